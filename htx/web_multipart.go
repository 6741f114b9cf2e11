// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Multipart form-data request bodies.

package htx

import (
	"bytes"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Part is one part of a multipart/form-data body.
type Part struct {
	Name        string
	FileName    string // optional
	ContentType string // optional, defaults to application/octet-stream for files
	Data        []byte
}

// multipartEncoder renders parts into a body. It is finalized before the first write to a channel and closed
// when its interaction closes, whichever happens first.
type multipartEncoder struct {
	mutex    sync.Mutex
	buffer   bytes.Buffer
	writer   *multipart.Writer
	parts    []Part
	rendered bool
	closed   bool
}

func newMultipartEncoder(parts []Part) *multipartEncoder {
	e := &multipartEncoder{parts: parts}
	e.writer = multipart.NewWriter(&e.buffer)
	return e
}

func (e *multipartEncoder) contentType() string { return e.writer.FormDataContentType() }

// finalize renders every part and the closing boundary. Calling it again returns the same body.
func (e *multipartEncoder) finalize() ([]byte, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return nil, errors.Wrap(ErrIllegalState, "multipart encoder closed")
	}
	if e.rendered {
		return e.buffer.Bytes(), nil
	}
	for _, part := range e.parts {
		if err := e.writePart(part); err != nil {
			return nil, err
		}
	}
	if err := e.writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}
	e.rendered = true
	return e.buffer.Bytes(), nil
}

func (e *multipartEncoder) writePart(part Part) error {
	header := make(textproto.MIMEHeader)
	disposition := `form-data; name="` + escapeQuotes(part.Name) + `"`
	contentType := part.ContentType
	if part.FileName != "" {
		disposition += `; filename="` + escapeQuotes(part.FileName) + `"`
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}
	header.Set("Content-Disposition", disposition)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	w, err := e.writer.CreatePart(header)
	if err != nil {
		return errors.Wrapf(err, "create part %q", part.Name)
	}
	_, err = w.Write(part.Data)
	return errors.Wrapf(err, "write part %q", part.Name)
}

// Close drops the rendered body. It is idempotent.
func (e *multipartEncoder) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.buffer.Reset()
	e.parts = nil
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
