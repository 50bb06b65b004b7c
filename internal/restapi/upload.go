package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/valyala/fasthttp"

	"github.com/matheus3301/parley/internal/apperr"
)

// SignRequest asks for permission to upload one file.
type SignRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// UploadSignature is the provider target returned by the API.
type UploadSignature struct {
	UploadURL   string            `json:"uploadUrl"`
	Fields      map[string]string `json:"fields"`
	ProviderRef string            `json:"providerRef"`
}

// UploadResult is what the provider returns for a stored file.
type UploadResult struct {
	FileURL      string  `json:"fileUrl"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	ProviderRef  string  `json:"providerRef"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

// SignUpload requests an upload signature.
func (c *Client) SignUpload(ctx context.Context, r SignRequest) (UploadSignature, error) {
	var out UploadSignature
	if err := c.do(ctx, fasthttp.MethodPost, "/api/uploads/signature", r, &out); err != nil {
		return UploadSignature{}, err
	}
	if out.UploadURL == "" {
		return UploadSignature{}, apperr.New(apperr.CodeUploadFailed, "upload signature has no target")
	}
	return out, nil
}

// Upload posts the file at path to the provider as multipart form data.
// The signature fields precede the file part.
func (c *Client) Upload(ctx context.Context, sig UploadSignature, path, contentType string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range sig.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return UploadResult{}, err
		}
	}
	if contentType != "" {
		if err := mw.WriteField("Content-Type", contentType); err != nil {
			return UploadResult{}, err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return UploadResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(sig.UploadURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(mw.FormDataContentType())
	req.SetBodyRaw(buf.Bytes())

	if err := c.send(ctx, req, resp); err != nil {
		return UploadResult{}, apperr.Wrap(apperr.CodeUploadFailed, "upload "+filepath.Base(path), err)
	}
	if err := statusError(resp); err != nil {
		return UploadResult{}, apperr.Wrap(apperr.CodeUploadFailed, "upload "+filepath.Base(path), err)
	}

	var out UploadResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return UploadResult{}, apperr.Wrap(apperr.CodeUploadFailed, "decode upload response", err)
	}
	if out.ProviderRef == "" {
		out.ProviderRef = sig.ProviderRef
	}
	return out, nil
}
