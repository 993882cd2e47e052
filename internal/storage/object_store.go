package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrObjectStoreDisabled = errors.New("object store disabled")
	ErrInvalidObjectKey    = errors.New("invalid object key")
	ErrInvalidEvidenceHash = errors.New("evidence hash must be 64 hex characters")
)

// runCommand returns stdout, or stderr when the command fails.
var runCommand = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return exitErr.Stderr, err
	}
	return out, err
}

// ObjectStore archives evidence in S3-compatible storage through the aws CLI.
type ObjectStore struct {
	Endpoint string
	Bucket   string
}

func (o ObjectStore) Enabled() bool {
	return strings.TrimSpace(o.Bucket) != ""
}

// EvidenceKey is the object key for an evidence hash.
func EvidenceKey(hash string) string {
	return "evidence/" + hash + ".json"
}

func checkHash(hash string) error {
	if len(hash) != 64 {
		return ErrInvalidEvidenceHash
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return ErrInvalidEvidenceHash
	}
	return nil
}

// ArchiveEvidence writes the sealed evidence bytes unchanged so the
// archived object still hashes to hash.
func (o ObjectStore) ArchiveEvidence(ctx context.Context, hash string, evidence []byte) (string, error) {
	if err := checkHash(hash); err != nil {
		return "", err
	}
	return o.Put(ctx, EvidenceKey(hash), evidence)
}

func (o ObjectStore) FetchEvidence(ctx context.Context, hash string) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	return o.Get(ctx, EvidenceKey(hash))
}

func (o ObjectStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	uri, err := o.objectURI(key)
	if err != nil {
		return "", err
	}
	args := append(o.baseArgs(), "-", uri)
	out, err := runCommand(ctx, "aws", args, data)
	if err != nil {
		return "", fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return uri, nil
}

func (o ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	uri, err := o.objectURI(key)
	if err != nil {
		return nil, err
	}
	args := append(o.baseArgs(), uri, "-")
	out, err := runCommand(ctx, "aws", args, nil)
	if err != nil {
		return nil, fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (o ObjectStore) baseArgs() []string {
	args := []string{"s3", "cp", "--only-show-errors"}
	if o.Endpoint != "" {
		args = append(args, "--endpoint-url", o.Endpoint)
	}
	return args
}

func (o ObjectStore) objectURI(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidObjectKey
	}
	if strings.HasPrefix(trimmed, "s3://") {
		return trimmed, nil
	}
	if !o.Enabled() {
		return "", ErrObjectStoreDisabled
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", ErrInvalidObjectKey
	}
	return fmt.Sprintf("s3://%s/%s", o.Bucket, trimmed), nil
}
