package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrNotFound = errors.New("artifact not found")

// Store keeps deliverables grouped per request.
type Store interface {
	Put(ctx context.Context, requestID, name string, content []byte, contentType string) error
	Get(ctx context.Context, requestID, name string) ([]byte, error)
	List(ctx context.Context, requestID string) ([]string, error)
}

// objectKey validates the pair and returns "<requestID>/<name>".
func objectKey(requestID, name string) (string, error) {
	requestID = strings.TrimSpace(requestID)
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if requestID == "" {
		return "", fmt.Errorf("request id is required")
	}
	if strings.Contains(requestID, "/") {
		return "", fmt.Errorf("request id %q must not contain '/'", requestID)
	}
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	clean := path.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return requestID + "/" + clean, nil
}

// splitKey reverses objectKey.
func splitKey(key string) (requestID, name string) {
	requestID, name, _ = strings.Cut(key, "/")
	return requestID, name
}

func prefixOf(requestID string) (string, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", fmt.Errorf("request id is required")
	}
	return requestID + "/", nil
}
