package sigclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// CreateRoom asks the service for a fresh room and returns its identifier.
func CreateRoom(ctx context.Context, httpClient *http.Client, baseURL string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/rooms", nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sigclient: create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sigclient: create room: status %d", resp.StatusCode)
	}
	var body struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("sigclient: create room: %w", err)
	}
	if body.RoomID == "" {
		return "", fmt.Errorf("sigclient: create room: empty roomId")
	}
	return body.RoomID, nil
}

// FetchICEConfig retrieves the service's published ICE server list as raw
// JSON (the array form, suitable for config.ParseICEServersJSON).
func FetchICEConfig(ctx context.Context, httpClient *http.Client, baseURL string) (json.RawMessage, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/webrtc/ice", nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sigclient: ice config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sigclient: ice config: status %d", resp.StatusCode)
	}
	var body struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("sigclient: ice config: %w", err)
	}
	return body.ICEServers, nil
}

// RoomExists checks room joinability before opening the signaling channel.
func RoomExists(ctx context.Context, httpClient *http.Client, baseURL, roomID string) (bool, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/rooms/"+roomID, nil)
	if err != nil {
		return false, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("sigclient: room lookup: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("sigclient: room lookup: status %d", resp.StatusCode)
	}
}
