package nolang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

// Client-side upload ceilings, checked before anything is sent.
const (
	MaxImageSize    = 10 << 20
	MaxImages       = 10
	MaxDocumentSize = 100 << 20
	MaxMediaSize    = 50 << 20
)

const (
	generatePath         = "/videos/generate/"
	generateUnstablePath = "/unstable/videos/generate/"

	pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

var audioTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".m4a": "audio/mp4",
	".aac": "audio/aac",
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// GenerateInput carries the parameters of one generation tool call.
type GenerateInput struct {
	Setting SettingRef
	// Mode, when known, is checked against the mode table. When empty the
	// mode declared by a setting document is used, if any.
	Mode       GenerationMode
	Text       string
	PDFPath    string
	PPTXPath   string
	AudioPath  string
	VideoPath  string
	ImagePaths []string
}

// GenerateRequest is a validated generation upload. It holds file paths, not
// handles: files are opened only while a body is being streamed.
type GenerateRequest struct {
	Path   string
	Source Source
	Mode   GenerationMode
	fields url.Values
	files  []filePart
}

// Multipart reports whether the request carries files.
func (r *GenerateRequest) Multipart() bool { return len(r.files) > 0 }

// Field returns the value of a form field.
func (r *GenerateRequest) Field(name string) string { return r.fields.Get(name) }

// FileFields returns the multipart field name of each attached file, in order.
func (r *GenerateRequest) FileFields() []string {
	names := make([]string, len(r.files))
	for i, f := range r.files {
		names[i] = f.field
	}
	return names
}

func (r *GenerateRequest) payload() payload {
	if r.Multipart() {
		return &multipartPayload{fields: r.fields, files: r.files}
	}
	return formPayload(r.fields)
}

type filePart struct {
	field       string
	path        string
	name        string
	contentType string
	limit       int64
}

// Builder validates generation inputs and turns them into requests.
type Builder struct {
	inspectPDF bool
}

// NewBuilder returns a Builder. When inspectPDF is set, PDF inputs must open
// as a document with at least one page.
func NewBuilder(inspectPDF bool) *Builder {
	return &Builder{inspectPDF: inspectPDF}
}

// Build validates in and returns the request to send. Every failure is a
// *ValidationError and happens before any network call.
func (b *Builder) Build(ctx context.Context, in GenerateInput) (*GenerateRequest, error) {
	req := &GenerateRequest{fields: url.Values{}}

	if in.Setting.IsZero() {
		return nil, invalid("video_setting_id", "a video setting or template is required")
	}
	switch {
	case in.Setting.ID != "":
		if _, err := uuid.Parse(in.Setting.ID); err != nil {
			return nil, invalid("video_setting_id", "%q is not a UUID", in.Setting.ID)
		}
		req.Path = generatePath
		req.fields.Set("video_setting_id", in.Setting.ID)
	default:
		if !json.Valid(in.Setting.Document) {
			return nil, invalid("setting", "setting document is not valid JSON")
		}
		req.Path = generateUnstablePath
		req.fields.Set("setting", string(in.Setting.Document))
	}

	if in.PDFPath != "" && in.PPTXPath != "" {
		return nil, invalid("pdf_path", "pdf_path and pptx_path are mutually exclusive")
	}
	if len(in.ImagePaths) > MaxImages {
		return nil, invalid("image_paths", "at most %d images are accepted, got %d", MaxImages, len(in.ImagePaths))
	}

	text := strings.TrimSpace(in.Text)
	var present []input
	if text != "" {
		present = append(present, inText)
	}
	for _, p := range []struct {
		path string
		in   input
	}{{in.PDFPath, inPDF}, {in.PPTXPath, inPPTX}, {in.AudioPath, inAudio}, {in.VideoPath, inVideo}} {
		if p.path != "" {
			present = append(present, p.in)
		}
	}
	if len(in.ImagePaths) > 0 {
		present = append(present, inImages)
	}

	src, err := resolveSource(present)
	if err != nil {
		return nil, err
	}
	req.Source = src

	mode := in.Mode
	if mode == "" {
		mode = in.Setting.modeOf()
	}
	if mode != "" {
		r, ok := modeRequirements[mode]
		if !ok {
			return nil, invalid("video_mode", "unknown mode %q", mode)
		}
		if r.source != src {
			return nil, invalid("", "%s mode expects %s input, got %s", mode, r.source, src)
		}
		if err := r.check(mode, present); err != nil {
			return nil, err
		}
		req.Mode = mode
	}

	if text != "" {
		req.fields.Set("text", text)
	}

	parts := filePlan(in)
	if err := b.checkFiles(ctx, parts); err != nil {
		return nil, err
	}
	req.files = parts
	return req, nil
}

// filePlan lists the file parts in upload order.
func filePlan(in GenerateInput) []filePart {
	var parts []filePart
	add := func(field, path, contentType string, limit int64) {
		parts = append(parts, filePart{
			field:       field,
			path:        path,
			name:        filepath.Base(path),
			contentType: contentType,
			limit:       limit,
		})
	}
	if in.PDFPath != "" {
		add(string(inPDF), in.PDFPath, "application/pdf", MaxDocumentSize)
	}
	if in.PPTXPath != "" {
		add(string(inPPTX), in.PPTXPath, pptxContentType, MaxDocumentSize)
	}
	if in.AudioPath != "" {
		add(string(inAudio), in.AudioPath, typeByExt(audioTypes, in.AudioPath, "audio/mpeg"), MaxMediaSize)
	}
	if in.VideoPath != "" {
		add(string(inVideo), in.VideoPath, typeByExt(videoTypes, in.VideoPath, "video/mp4"), MaxMediaSize)
	}
	for _, p := range in.ImagePaths {
		add(string(inImages), p, typeByExt(imageTypes, p, "image/jpeg"), MaxImageSize)
	}
	return parts
}

func typeByExt(types map[string]string, path, fallback string) string {
	if t, ok := types[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return fallback
}

// checkFiles verifies every part concurrently: present, regular, readable,
// within its ceiling, and for PDFs parseable.
func (b *Builder) checkFiles(ctx context.Context, parts []filePart) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, p := range parts {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return b.checkFile(p)
		})
	}
	return g.Wait()
}

func (b *Builder) checkFile(p filePart) error {
	field := strings.TrimSuffix(p.field, "_file") + "_path"
	if p.field == string(inImages) {
		field = "image_paths"
	}

	info, err := os.Stat(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return invalid(field, "file not found: %s", p.path)
	}
	if err != nil {
		return invalid(field, "cannot stat %s: %v", p.path, err)
	}
	if !info.Mode().IsRegular() {
		return invalid(field, "%s is not a regular file", p.path)
	}
	if info.Size() > p.limit {
		return invalid(field, "%s is %d bytes, limit is %d MB", p.path, info.Size(), p.limit>>20)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return invalid(field, "file is not readable: %s", p.path)
	}
	f.Close()

	if b.inspectPDF && p.field == string(inPDF) {
		n, err := pdfPages(p.path)
		if err != nil {
			return invalid(field, "%s is not a readable PDF: %v", p.path, err)
		}
		if n < 1 {
			return invalid(field, "%s has no pages", p.path)
		}
	}
	return nil
}

// pdfPages returns the page count of a PDF. The parser panics on some
// malformed inputs, so panics are turned into errors.
func pdfPages(path string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}

// payload produces a fresh request body per attempt, along with its exact
// length so uploads are not sent chunked.
type payload interface {
	open() (body io.ReadCloser, contentType string, size int64, err error)
}

type formPayload url.Values

func (p formPayload) open() (io.ReadCloser, string, int64, error) {
	encoded := url.Values(p).Encode()
	return io.NopCloser(strings.NewReader(encoded)), "application/x-www-form-urlencoded", int64(len(encoded)), nil
}

// bodyError marks a failure to produce the upload body locally, so it is not
// mistaken for a network failure.
type bodyError struct {
	err error
}

func (e *bodyError) Error() string { return "building upload: " + e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

type multipartPayload struct {
	fields url.Values
	files  []filePart
}

// open streams the multipart body through a pipe. Each file is opened only
// while its part is written and closed before the next one; when the reader
// side is closed early the writer fails and releases its file.
//
// The body length is the envelope (fields, part headers, boundaries) measured
// with the same boundary, plus the file sizes at open time. A file whose size
// changes before its part is written fails the upload.
func (p *multipartPayload) open() (io.ReadCloser, string, int64, error) {
	sizes := make([]int64, len(p.files))
	var total int64
	for i, f := range p.files {
		st, err := os.Stat(f.path)
		if err != nil {
			return nil, "", 0, fmt.Errorf("opening %s: %w", f.path, err)
		}
		if st.Size() > f.limit {
			return nil, "", 0, fmt.Errorf("%s grew past %d MB", f.path, f.limit>>20)
		}
		sizes[i] = st.Size()
		total += st.Size()
	}

	boundary := multipart.NewWriter(io.Discard).Boundary()
	var envelope countingWriter
	em := multipart.NewWriter(&envelope)
	if err := em.SetBoundary(boundary); err != nil {
		return nil, "", 0, err
	}
	if err := p.write(em, nil); err != nil {
		return nil, "", 0, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, "", 0, err
	}
	go func() {
		if err := p.write(mw, sizes); err != nil {
			pw.CloseWithError(&bodyError{err: err})
			return
		}
		pw.Close()
	}()
	return pr, mw.FormDataContentType(), int64(envelope) + total, nil
}

// write emits every part. With nil sizes only the envelope is written.
func (p *multipartPayload) write(mw *multipart.Writer, sizes []int64) error {
	keys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range p.fields[k] {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	for i, f := range p.files {
		if sizes == nil {
			if _, err := mw.CreatePart(partHeader(f)); err != nil {
				return err
			}
			continue
		}
		if err := writeFilePart(mw, f, sizes[i]); err != nil {
			return err
		}
	}
	return mw.Close()
}

type countingWriter int64

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func partHeader(f filePart) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(f.field), quoteEscaper.Replace(f.name)))
	h.Set("Content-Type", f.contentType)
	return h
}

func writeFilePart(mw *multipart.Writer, f filePart, size int64) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()

	w, err := mw.CreatePart(partHeader(f))
	if err != nil {
		return err
	}

	n, err := io.Copy(w, io.LimitReader(file, size+1))
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	if n != size {
		return fmt.Errorf("%s changed size during upload", f.path)
	}
	return nil
}
