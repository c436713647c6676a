package telegram

import (
	"fmt"
	"io"
	"mime/multipart"
)

// formWriter builds multipart/form-data bodies for file uploads. The
// first error sticks and is returned by close.
type formWriter struct {
	w   *multipart.Writer
	err error
}

func newFormWriter(w io.Writer) *formWriter {
	return &formWriter{w: multipart.NewWriter(w)}
}

func (f *formWriter) field(name, value string) {
	if f.err != nil {
		return
	}
	if err := f.w.WriteField(name, value); err != nil {
		f.err = fmt.Errorf("writing field %s: %w", name, err)
	}
}

func (f *formWriter) file(fieldName, filename string, data []byte) {
	if f.err != nil {
		return
	}
	part, err := f.w.CreateFormFile(fieldName, filename)
	if err != nil {
		f.err = fmt.Errorf("creating form file: %w", err)
		return
	}
	if _, err := part.Write(data); err != nil {
		f.err = fmt.Errorf("writing form file: %w", err)
	}
}

func (f *formWriter) contentType() string {
	return f.w.FormDataContentType()
}

func (f *formWriter) close() error {
	if f.err != nil {
		return f.err
	}
	return f.w.Close()
}
