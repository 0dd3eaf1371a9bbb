/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 implements the storage.blob.s3 module keeping message bodies
// in an S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "storage.blob.s3"

const (
	credsFileMinio = "file_minio"
	credsFileAWS   = "file_aws"
	credsAccessKey = "access_key"
	credsIAM       = "iam"
)

type Store struct {
	instName string
	log      log.Logger

	endpoint string
	cl       *minio.Client

	bucket string
	prefix string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: expected 0 arguments", modName)
	}

	return &Store{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure    bool
		accessKey string
		secretKey string
		credsType string
		region    string
	)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, false, "", &accessKey)
	cfg.String("secret_key", false, false, "", &secretKey)
	cfg.String("bucket", false, true, "", &s.bucket)
	cfg.String("region", false, false, "", &region)
	cfg.String("object_prefix", false, false, "", &s.prefix)
	cfg.Enum("creds", false, false,
		[]string{credsAccessKey, credsFileMinio, credsFileAWS, credsIAM}, credsAccessKey, &credsType)
	cfg.Bool("debug", true, false, &s.log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var creds *credentials.Credentials
	switch credsType {
	case credsFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsIAM:
		creds = credentials.NewIAM("")
	default:
		if accessKey == "" || secretKey == "" {
			return config.NodeErr(cfg.Block, "%s: access_key and secret_key are required", modName)
		}
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	s.cl = cl
	return nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

// s3blob streams written data into a PutObject call running in a
// separate goroutine.
type s3blob struct {
	pw     *io.PipeWriter
	done   bool
	result chan error
}

// Sync finishes the upload and reports its result. The error of Close
// is often ignored so the upload result is reported here instead.
func (b *s3blob) Sync() error {
	if b.done {
		return errors.New("storage.blob.s3: Sync called twice")
	}
	b.done = true
	b.pw.Close()
	return <-b.result
}

func (b *s3blob) Write(p []byte) (int, error) {
	return b.pw.Write(p)
}

func (b *s3blob) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	b.pw.CloseWithError(errors.New("storage.blob.s3: blob closed without Sync"))
	<-b.result
	return nil
}

// minPartSize is the smallest multipart upload part accepted by S3.
const minPartSize = 5 << 20

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (module.Blob, error) {
	pr, pw := io.Pipe()
	result := make(chan error, 1)

	go func() {
		var partSize uint64
		if blobSize == module.UnknownBlobSize {
			// minio-go defaults to a huge part buffer for streams of
			// unknown size. Parts smaller than 5 MiB are rejected.
			partSize = minPartSize
		}
		_, err := s.cl.PutObject(ctx, s.bucket, s.prefix+key, pr, blobSize, minio.PutObjectOptions{
			PartSize: partSize,
		})
		if err != nil {
			pr.CloseWithError(fmt.Errorf("s3 PutObject: %w", err))
		}
		result <- err
	}()

	return &s3blob{pw: pw, result: result}, nil
}

func isNotFound(err error) bool {
	return minio.ToErrorResponse(err).StatusCode == http.StatusNotFound
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, s.prefix+key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	// GetObject is lazy, Stat makes a missing object visible here
	// rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, k := range keys {
		err := s.cl.RemoveObject(ctx, s.bucket, s.prefix+k, minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			s.log.Error("failed to delete object", err, "key", s.prefix+k)
			lastErr = err
		}
	}
	return lastErr
}

func init() {
	var _ module.BlobStore = &Store{}
	module.Register(modName, New)
}
