package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"touchline/internal/models"
	"touchline/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const (
	maxUploadSize = 25 << 20
	// filetype needs at most this many leading bytes to recognise a format.
	sniffLength = 262
)

type MediaResponse struct {
	ID       string             `json:"_id"`
	URL      string             `json:"url"`
	Kind     models.MessageType `json:"messageType"`
	MimeType string             `json:"mimeType"`
	Size     int64              `json:"size"`
}

// sniff picks the message type and MIME type from the first bytes of a file.
func sniff(head []byte) (models.MessageType, string) {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return models.MessageTypeFile, "application/octet-stream"
	}
	switch {
	case filetype.IsImage(head):
		return models.MessageTypeImage, kind.MIME.Value
	case filetype.IsVideo(head):
		return models.MessageTypeVideo, kind.MIME.Value
	}
	return models.MessageTypeFile, kind.MIME.Value
}

// UploadMedia stores the multipart "file" field and returns the URL to put in
// a message's mediaUrl.
func (a *API) UploadMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, models.APIResponse{Message: "File is too large"})
			return
		}
		badRequest(c, "file is required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		a.fail(c, err)
		return
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		a.fail(c, err)
		return
	}
	head = head[:n]
	if n == 0 {
		badRequest(c, "file is empty")
		return
	}
	kind, mime := sniff(head)

	hash, size, err := a.files.Put(io.MultiReader(bytes.NewReader(head), f))
	if err != nil {
		a.fail(c, err)
		return
	}

	meta := storage.MediaMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		MimeType:  mime,
		Kind:      string(kind),
		Size:      size,
		CreatedAt: time.Now().UTC().UnixNano(),
		OwnerID:   currentUser(c),
	}
	if err := a.store.UpsertMediaMetadata(meta); err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, MediaResponse{
		ID:       meta.ID,
		URL:      "/api/media/" + meta.ID,
		Kind:     kind,
		MimeType: mime,
		Size:     size,
	})
}

func (a *API) GetMedia(c *gin.Context) {
	meta, err := a.store.GetMediaMetadata(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	rc, err := a.files.Get(meta.Hash)
	if err != nil {
		a.fail(c, err)
		return
	}
	defer func() { _ = rc.Close() }()

	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.DataFromReader(http.StatusOK, meta.Size, meta.MimeType, rc, nil)
}
