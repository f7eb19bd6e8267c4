package multidevice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"e2ee/internal/apperr"
)

// HTTPDirectory is the default Directory implementation, talking
// JSON-over-HTTP to the directory service's device, linking, and backup
// endpoints, following the same conventions as pairwise.HTTPDirectory.
type HTTPDirectory struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// NewHTTPDirectory builds a directory client with a sane request timeout.
func NewHTTPDirectory(baseURL, authToken string) *HTTPDirectory {
	return &HTTPDirectory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AuthToken:  authToken,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type wireDeviceRegistration struct {
	DeviceID              string `json:"deviceId"`
	DeviceName            string `json:"deviceName"`
	Platform              string `json:"platform"`
	IdentitySigningPublic string `json:"identitySigningPublic"`
	RegistrationID        uint16 `json:"registrationId"`
	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKeyPublic    string `json:"signedPreKeyPublic"`
	SignedPreKeySignature string `json:"signedPreKeySignature"`
}

type wireDeviceInfo struct {
	DeviceID       string    `json:"deviceId"`
	DeviceName     string    `json:"deviceName"`
	Platform       string    `json:"platform"`
	IdentityPublic string    `json:"identityPublic"`
	RegistrationID uint16    `json:"registrationId"`
	IsVerified     bool      `json:"isVerified"`
	LastSeen       time.Time `json:"lastSeen"`
}

type wireLinkingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type wireLinkRequest struct {
	RequestID      string    `json:"requestId"`
	Code           string    `json:"code"`
	DeviceID       string    `json:"deviceId"`
	DeviceName     string    `json:"deviceName"`
	IdentityPublic string    `json:"identityPublic"`
	CreatedAt      time.Time `json:"createdAt"`
}

type wireBackup struct {
	Version    int       `json:"version"`
	Salt       string    `json:"salt"`
	IV         string    `json:"iv"`
	Ciphertext string    `json:"ct"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *HTTPDirectory) RegisterDevice(ctx context.Context, userID string, reg DeviceRegistration) error {
	return d.post(ctx, "/devices?user_id="+url.QueryEscape(userID), wireDeviceRegistration{
		DeviceID:              reg.DeviceID,
		DeviceName:            reg.DeviceName,
		Platform:              reg.Platform,
		IdentitySigningPublic: reg.IdentitySigningPublic,
		RegistrationID:        reg.RegistrationID,
		SignedPreKeyID:        reg.SignedPreKeyID,
		SignedPreKeyPublic:    reg.SignedPreKeyPublic,
		SignedPreKeySignature: reg.SignedPreKeySignature,
	})
}

func (d *HTTPDirectory) ListDevices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	var wire []wireDeviceInfo
	if err := d.get(ctx, "/devices/"+url.PathEscape(userID), &wire); err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(wire))
	for _, w := range wire {
		out = append(out, DeviceInfo{
			DeviceID:       w.DeviceID,
			DeviceName:     w.DeviceName,
			Platform:       w.Platform,
			IdentityPublic: w.IdentityPublic,
			RegistrationID: w.RegistrationID,
			IsVerified:     w.IsVerified,
			LastSeen:       w.LastSeen,
		})
	}
	return out, nil
}

func (d *HTTPDirectory) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	return d.delete(ctx, "/devices/"+url.PathEscape(deviceID)+"?user_id="+url.QueryEscape(userID))
}

func (d *HTTPDirectory) RenameDevice(ctx context.Context, userID, deviceID, newName string) error {
	return d.put(ctx, "/devices/"+url.PathEscape(deviceID)+"?user_id="+url.QueryEscape(userID), map[string]string{"deviceName": newName})
}

func (d *HTTPDirectory) FetchDeviceFingerprint(ctx context.Context, userID, deviceID string) (string, error) {
	var out struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := d.get(ctx, "/devices/"+url.PathEscape(deviceID)+"/fingerprint?user_id="+url.QueryEscape(userID), &out); err != nil {
		return "", err
	}
	return out.Fingerprint, nil
}

func (d *HTTPDirectory) CreateLinkingCode(ctx context.Context, userID string, ttl time.Duration) (LinkingCode, error) {
	var wire wireLinkingCode
	if err := d.postInto(ctx, "/devices/linking-code?user_id="+url.QueryEscape(userID), map[string]int64{"ttlSeconds": int64(ttl.Seconds())}, &wire); err != nil {
		return LinkingCode{}, err
	}
	return LinkingCode{Code: wire.Code, ExpiresAt: wire.ExpiresAt}, nil
}

func (d *HTTPDirectory) SubmitLinkRequest(ctx context.Context, req LinkRequest) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	body := wireLinkRequest{
		Code:           req.Code,
		DeviceID:       req.DeviceID,
		DeviceName:     req.DeviceName,
		IdentityPublic: req.IdentityPublic,
	}
	if err := d.postInto(ctx, "/devices/link", body, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

func (d *HTTPDirectory) RequestStatus(ctx context.Context, requestID string) (LinkRequestStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := d.get(ctx, "/devices/link-requests/"+url.PathEscape(requestID)+"/status", &out); err != nil {
		return "", err
	}
	return LinkRequestStatus(out.Status), nil
}

func (d *HTTPDirectory) PendingLinkRequests(ctx context.Context, userID string) ([]LinkRequest, error) {
	var wire []wireLinkRequest
	if err := d.get(ctx, "/devices/link-requests?user_id="+url.QueryEscape(userID), &wire); err != nil {
		return nil, err
	}
	out := make([]LinkRequest, 0, len(wire))
	for _, w := range wire {
		out = append(out, LinkRequest{
			RequestID:      w.RequestID,
			Code:           w.Code,
			DeviceID:       w.DeviceID,
			DeviceName:     w.DeviceName,
			IdentityPublic: w.IdentityPublic,
			CreatedAt:      w.CreatedAt,
		})
	}
	return out, nil
}

func (d *HTTPDirectory) RespondToLinkRequest(ctx context.Context, requestID string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	return d.post(ctx, "/devices/link-requests/"+url.PathEscape(requestID)+"/respond", map[string]string{"action": action})
}

func (d *HTTPDirectory) UploadBackup(ctx context.Context, userID string, blob BackupBlob) error {
	return d.post(ctx, "/e2e/backup?user_id="+url.QueryEscape(userID), wireBackup{
		Version:    blob.Version,
		Salt:       base64.StdEncoding.EncodeToString(blob.Salt),
		IV:         base64.StdEncoding.EncodeToString(blob.IV),
		Ciphertext: base64.StdEncoding.EncodeToString(blob.Ciphertext),
		Timestamp:  blob.Timestamp,
	})
}

func (d *HTTPDirectory) FetchBackup(ctx context.Context, userID string) (BackupBlob, error) {
	var wire wireBackup
	if err := d.get(ctx, "/e2e/backup?user_id="+url.QueryEscape(userID), &wire); err != nil {
		return BackupBlob{}, err
	}
	salt, err := base64.StdEncoding.DecodeString(wire.Salt)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.FetchBackup", apperr.BadBundle, "decode salt failed", err)
	}
	iv, err := base64.StdEncoding.DecodeString(wire.IV)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.FetchBackup", apperr.BadBundle, "decode iv failed", err)
	}
	ct, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return BackupBlob{}, apperr.Wrap("multidevice.FetchBackup", apperr.BadBundle, "decode ciphertext failed", err)
	}
	return BackupBlob{Version: wire.Version, Salt: salt, IV: iv, Ciphertext: ct, Timestamp: wire.Timestamp}, nil
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+path, nil)
	if err != nil {
		return apperr.Wrap("multidevice.get", apperr.Transport, "build request failed", err)
	}
	d.authorize(req)
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return apperr.Wrap("multidevice.get", apperr.Transport, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return apperr.New("multidevice.get", apperr.Transport, fmt.Sprintf("request failed: %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap("multidevice.get", apperr.Transport, "decode response failed", err)
	}
	return nil
}

func (d *HTTPDirectory) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.BaseURL+path, nil)
	if err != nil {
		return apperr.Wrap("multidevice.delete", apperr.Transport, "build request failed", err)
	}
	d.authorize(req)
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return apperr.Wrap("multidevice.delete", apperr.Transport, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return apperr.New("multidevice.delete", apperr.Transport, fmt.Sprintf("request failed: %s", resp.Status))
	}
	return nil
}

func (d *HTTPDirectory) put(ctx context.Context, path string, payload any) error {
	return d.send(ctx, http.MethodPut, path, payload, nil)
}

func (d *HTTPDirectory) post(ctx context.Context, path string, payload any) error {
	return d.send(ctx, http.MethodPost, path, payload, nil)
}

func (d *HTTPDirectory) postInto(ctx context.Context, path string, payload any, out any) error {
	return d.send(ctx, http.MethodPost, path, payload, out)
}

func (d *HTTPDirectory) send(ctx context.Context, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap("multidevice.send", apperr.Transport, "encode request failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap("multidevice.send", apperr.Transport, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return apperr.Wrap("multidevice.send", apperr.Transport, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return apperr.New("multidevice.send", apperr.Transport, fmt.Sprintf("request failed: %s", strings.TrimSpace(string(data))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap("multidevice.send", apperr.Transport, "decode response failed", err)
	}
	return nil
}

func (d *HTTPDirectory) authorize(req *http.Request) {
	if d.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.AuthToken)
	}
}
