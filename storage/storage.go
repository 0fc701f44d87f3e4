// Package storage provides the S3-compatible archive store.
//
// Archived messages are content addressed: the object key is the BLAKE3
// hash of the serialized message, so the same post archived twice costs
// one object. When encryption is enabled, messages are encrypted
// client-side with AES-256-GCM before upload; the key is a 32-byte
// hex string in config.toml.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/pkg/metrics"
)

type ArchiveStore struct {
	client        *minio.Client
	bucket        string
	encrypt       bool
	encryptionKey []byte
}

func New(cfg config.ArchiveConfig) (*ArchiveStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("failed to initialize archive store client", "error", err)
		return nil, fmt.Errorf("failed to initialize archive store client: %w", err)
	}

	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	s := &ArchiveStore{client: client, bucket: cfg.Bucket}
	if cfg.Encrypt {
		if err := s.enableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ArchiveStore) enableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.encrypt = true
	s.encryptionKey = masterKey
	logger.Info("archive store client-side encryption enabled")
	return nil
}

// Exists reports whether the object with the given key is already
// archived. Archive writes check this first to keep replays cheap.
func (s *ArchiveStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads data under key, encrypting first when enabled.
func (s *ArchiveStore) Put(ctx context.Context, key string, data []byte) error {
	if s.encrypt {
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.ArchiveWrites.WithLabelValues("encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		data = encrypted
	}

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	metrics.ArchiveWrites.WithLabelValues("success").Inc()
	return nil
}

// Get downloads and, when enabled, decrypts the object with the given key.
func (s *ArchiveStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	if s.encrypt {
		return s.decryptData(data)
	}
	return data, nil
}

func (s *ArchiveStore) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *ArchiveStore) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
