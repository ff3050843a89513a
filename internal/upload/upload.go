package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// Form fields expected by the target upload endpoint.
const (
	FieldTarget       = "target_image"
	FieldConnectionID = "socket_id"
)

// StatusSuccess is the only response status that accepts a target.
const StatusSuccess = "success"

// DefaultMaxSize caps target images at 10 MiB.
const DefaultMaxSize int64 = 10 << 20

var (
	ErrEmptyTarget         = errors.New("no target image selected")
	ErrTargetTooLarge      = errors.New("target image too large")
	ErrUnsupportedMedia    = errors.New("target is not an image")
	ErrMissingConnectionID = errors.New("connection id is required")
)

// Target is the reference image picked by the user.
type Target struct {
	Name string
	Data []byte
}

// Response mirrors the JSON body returned by the upload endpoint.
type Response struct {
	HTTPStatus int    `json:"-"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Accepted reports whether the backend stored the target for this connection.
func (r *Response) Accepted() bool {
	if r == nil {
		return false
	}
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300 && r.Status == StatusSuccess
}

// Client posts target images to the backend.
type Client struct {
	httpClient *http.Client
	endpoint   string
	maxSize    int64
	logger     *zap.Logger
}

// NewClient constructs an upload client for endpoint.
func NewClient(endpoint string, timeout time.Duration, maxSize int64, logger *zap.Logger) *Client {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		maxSize:    maxSize,
		logger:     logger.Named("upload"),
	}
}

// Validate runs the client side checks without touching the network.
func (c *Client) Validate(target Target) (*mimetype.MIME, error) {
	if len(target.Data) == 0 {
		return nil, ErrEmptyTarget
	}
	if int64(len(target.Data)) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTargetTooLarge, len(target.Data), c.maxSize)
	}
	mtype := mimetype.Detect(target.Data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedMedia, mtype.String())
	}
	return mtype, nil
}

// UploadTarget sends the target together with the messaging connection id.
// Any decodable response is returned, including rejections; err is only set
// for validation and transport failures.
func (c *Client) UploadTarget(ctx context.Context, target Target, connectionID string) (*Response, error) {
	opLogger := logging.WithOperation(c.logger, "upload.target", "").With(zap.String("connection_id", connectionID))

	if connectionID == "" {
		return nil, logging.NewOperationError("upload.target", "", ErrMissingConnectionID)
	}
	mtype, err := c.Validate(target)
	if err != nil {
		return nil, logging.NewOperationError("upload.validate", "", err)
	}

	body, contentType, err := buildBody(target, mtype, connectionID)
	if err != nil {
		return nil, logging.NewOperationError("upload.encode", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, logging.NewOperationError("upload.request", "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("upload.post", "", err)
		opLogger.Error("target upload failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, logging.NewOperationError("upload.read_response", "", err)
	}

	result := &Response{HTTPStatus: resp.StatusCode}
	if err := json.Unmarshal(raw, result); err != nil {
		wrapped := logging.NewOperationError("upload.decode_response", "", fmt.Errorf("HTTP %d: %w", resp.StatusCode, err))
		opLogger.Error("unexpected upload response", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("target upload answered",
		zap.Int("http_status", resp.StatusCode),
		zap.String("status", result.Status),
		zap.Bool("accepted", result.Accepted()),
		zap.Duration("latency", time.Since(started)),
	)
	return result, nil
}

func buildBody(target Target, mtype *mimetype.MIME, connectionID string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := filepath.Base(target.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "target" + mtype.Extension()
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldTarget, name))
	header.Set("Content-Type", mtype.String())

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(target.Data); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField(FieldConnectionID, connectionID); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
