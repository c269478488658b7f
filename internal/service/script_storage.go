package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const pdfMimeType = "application/pdf"

// FileStorage abstracts script destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// scriptFile is a validated script upload held in memory until it is stored.
type scriptFile struct {
	payload  []byte
	mimeType string
	checksum string
}

func (f scriptFile) reader() io.Reader {
	return bytes.NewReader(f.payload)
}

// readScript loads an uploaded script, enforcing the size limit and that the
// content sniffs as a PDF regardless of the client supplied name.
func readScript(file *multipart.FileHeader, maxSize int64) (scriptFile, error) {
	if file == nil {
		return scriptFile{}, errors.New("script file is required")
	}
	if file.Size > maxSize {
		return scriptFile{}, ErrScriptTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		return scriptFile{}, fmt.Errorf("open script: %w", err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, maxSize+1)); err != nil {
		return scriptFile{}, fmt.Errorf("read script: %w", err)
	}
	if int64(buf.Len()) > maxSize {
		return scriptFile{}, ErrScriptTooLarge
	}
	if buf.Len() == 0 {
		return scriptFile{}, ErrScriptType
	}

	detected := strings.ToLower(mimetype.Detect(buf.Bytes()).String())
	if !strings.HasPrefix(detected, pdfMimeType) {
		return scriptFile{}, fmt.Errorf("detected %s: %w", detected, ErrScriptType)
	}

	sum := sha256.Sum256(buf.Bytes())
	return scriptFile{
		payload:  buf.Bytes(),
		mimeType: pdfMimeType,
		checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// scriptObjectName is content addressed so a changed script always gets a new reference.
func scriptObjectName(evaluationID, studentID uint, checksum string) string {
	if len(checksum) > 16 {
		checksum = checksum[:16]
	}
	return fmt.Sprintf("evaluation-%d/student-%d-%s.pdf", evaluationID, studentID, checksum)
}
