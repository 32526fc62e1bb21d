package vkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// UploadPhase identifies which step of the two-step upload protocol failed.
type UploadPhase string

const (
	// PhaseAcquireURL is the call acquiring the upload server URL.
	PhaseAcquireURL UploadPhase = "acquire-url"
	// PhasePostFile is the multipart POST of the file to the upload server.
	PhasePostFile UploadPhase = "post-file"
	// PhaseSave is the call saving the uploaded file.
	PhaseSave UploadPhase = "save"
)

// UploadError reports a failure at one phase of the upload protocol.
type UploadError struct {
	Phase UploadPhase
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("vkapi: upload failed at %s: %v", e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// UploadFile is a file to upload: its form name and content.
type UploadFile struct {
	Name    string
	Content io.Reader
}

// uploadTarget describes one supported upload flow: the multipart field
// name, the method acquiring the upload server URL, and the method saving
// the uploaded file.
type uploadTarget struct {
	field   string
	acquire string
	save    string
}

var uploadTargets = map[string]uploadTarget{
	"cover":         {"photo", "photos.getOwnerCoverPhotoUploadServer", "photos.saveOwnerCoverPhoto"},
	"document":      {"file", "docs.getMessagesUploadServer", "docs.save"},
	"document_wall": {"file", "docs.getWallUploadServer", "docs.save"},
	"photo":         {"photo", "photos.getMessagesUploadServer", "photos.saveMessagesPhoto"},
}

// Upload runs the platform's upload protocol: acquire the upload URL, POST
// the file as multipart form data, then save the uploaded file. The save
// call's parameters are the upload server's response merged with the
// community ID (when present in params) and afterParams; afterParams win on
// key conflict.
func (c *Client) Upload(ctx context.Context, fileType string, file *UploadFile, params, afterParams Params) (json.RawMessage, error) {
	target, ok := uploadTargets[fileType]
	if !ok {
		return nil, ErrUnknownFileType
	}
	if file == nil || file.Content == nil {
		return nil, ErrNoFile
	}

	acquired, err := c.Call(ctx, target.acquire, params)
	if err != nil {
		return nil, &UploadError{Phase: PhaseAcquireURL, Err: err}
	}
	var server struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(acquired, &server); err != nil || server.UploadURL == "" {
		return nil, &UploadError{Phase: PhaseAcquireURL, Err: fmt.Errorf("no upload_url in response: %s", acquired)}
	}

	uploaded, err := c.postFile(ctx, server.UploadURL, target.field, file)
	if err != nil {
		return nil, &UploadError{Phase: PhasePostFile, Err: err}
	}

	saveParams := Params{}
	for k, v := range uploaded {
		saveParams[k] = v
	}
	if groupID, ok := params["group_id"]; ok {
		saveParams["group_id"] = groupID
	}
	for k, v := range afterParams {
		saveParams[k] = v
	}

	saved, err := c.Call(ctx, target.save, saveParams)
	if err != nil {
		return nil, &UploadError{Phase: PhaseSave, Err: err}
	}
	return saved, nil
}

// postFile POSTs the file to the upload server and decodes its JSON reply.
// Upload servers answer outside the usual envelope: a flat object, with an
// "error" key on failure.
func (c *Client) postFile(ctx context.Context, uploadURL, field string, file *UploadFile) (map[string]any, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile(field, file.Name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file.Content); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Cause: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)}
	}

	var uploaded map[string]any
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if msg, ok := uploaded["error"]; ok {
		return nil, fmt.Errorf("upload server error: %v", msg)
	}
	return uploaded, nil
}
