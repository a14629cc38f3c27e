package nolang

import (
	"slices"
	"strings"
)

// GenerationMode is the source-type category a VideoSetting is configured for.
type GenerationMode string

const (
	ModeQuerySimple           GenerationMode = "query_simple"
	ModeQueryScript           GenerationMode = "query_script"
	ModeSlideshowPresentation GenerationMode = "slideshow_presentation"
	ModeSlideshowSummary      GenerationMode = "slideshow_summary"
	ModeSlideshowAnalysis     GenerationMode = "slideshow_analysis"
	ModeAudioSpeech           GenerationMode = "audio_speech"
	ModeAudioVideo            GenerationMode = "audio_video"
)

// Modes lists every known generation mode.
func Modes() []GenerationMode {
	return []GenerationMode{
		ModeQuerySimple, ModeQueryScript,
		ModeSlideshowPresentation, ModeSlideshowSummary, ModeSlideshowAnalysis,
		ModeAudioSpeech, ModeAudioVideo,
	}
}

// Valid reports whether m is a known mode.
func (m GenerationMode) Valid() bool {
	return slices.Contains(Modes(), m)
}

// Source is the category of the primary input of a generation request.
type Source string

const (
	SourceText      Source = "text"
	SourceSlideshow Source = "slideshow"
	SourceSpeech    Source = "speech"
	SourceVideo     Source = "video"
)

// input names a single request field.
type input string

const (
	inText   input = "text"
	inPDF    input = "pdf_file"
	inPPTX   input = "pptx_file"
	inAudio  input = "audio_file"
	inVideo  input = "video_file"
	inImages input = "image_files"
)

// requirement describes which inputs a mode needs. anyOf entries are
// alternatives: exactly one of them must be present.
type requirement struct {
	source   Source
	required []input
	anyOf    []input
	optional []input
}

var modeRequirements = map[GenerationMode]requirement{
	ModeQuerySimple:           {source: SourceText, required: []input{inText}, optional: []input{inImages}},
	ModeQueryScript:           {source: SourceText, required: []input{inText}, optional: []input{inImages}},
	ModeSlideshowPresentation: {source: SourceSlideshow, anyOf: []input{inPDF, inPPTX}},
	ModeSlideshowSummary:      {source: SourceSlideshow, anyOf: []input{inPDF, inPPTX}},
	ModeSlideshowAnalysis:     {source: SourceSlideshow, required: []input{inText, inPDF}},
	ModeAudioSpeech:           {source: SourceSpeech, required: []input{inAudio}},
	ModeAudioVideo:            {source: SourceVideo, required: []input{inVideo}},
}

// check verifies that present satisfies the mode's requirement.
func (r requirement) check(mode GenerationMode, present []input) error {
	allowed := slices.Concat(r.required, r.anyOf, r.optional)
	for _, in := range present {
		if !slices.Contains(allowed, in) {
			return invalid(string(in), "not accepted by %s mode", mode)
		}
	}
	for _, in := range r.required {
		if !slices.Contains(present, in) {
			return invalid(string(in), "required by %s mode", mode)
		}
	}
	if len(r.anyOf) > 0 {
		n := 0
		for _, in := range r.anyOf {
			if slices.Contains(present, in) {
				n++
			}
		}
		if n != 1 {
			names := make([]string, len(r.anyOf))
			for i, in := range r.anyOf {
				names[i] = string(in)
			}
			return invalid("", "%s mode requires exactly one of %s", mode, strings.Join(names, ", "))
		}
	}
	return nil
}

// resolveSource picks the single source category of an input set. Text is
// the source only when no file source is present; alongside a pdf it is the
// analysis prompt.
func resolveSource(present []input) (Source, error) {
	has := func(in input) bool { return slices.Contains(present, in) }

	var sources []Source
	if has(inPDF) || has(inPPTX) {
		sources = append(sources, SourceSlideshow)
	}
	if has(inAudio) {
		sources = append(sources, SourceSpeech)
	}
	if has(inVideo) {
		sources = append(sources, SourceVideo)
	}

	switch len(sources) {
	case 0:
		if !has(inText) {
			return "", invalid("", "one of text, pdf_path, pptx_path, audio_path or video_path must be provided")
		}
		return SourceText, nil
	case 1:
	default:
		return "", invalid("", "conflicting sources %v: provide exactly one", sources)
	}

	src := sources[0]
	if has(inImages) {
		return "", invalid(string(inImages), "images are only accepted with text input")
	}
	if has(inText) && !(src == SourceSlideshow && has(inPDF)) {
		return "", invalid(string(inText), "text cannot be combined with %s input", src)
	}
	return src, nil
}
