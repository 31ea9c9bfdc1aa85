package pmtiles

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// Bucket is an abstraction over a gocloud or plain HTTP bucket, capable of
// conditional range reads against whichever cloud driver backs it.
type Bucket interface {
	Close() error
	NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error)
	NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error)
}

// isRefreshRequiredError reports whether err indicates the remote object
// changed out from under a conditional read (HTTP 412 or 416), meaning the
// caller should drop its cached etag and retry.
func isRefreshRequiredError(err error) bool {
	return isRefreshRequredCode(getProviderErrorStatusCode(err))
}

func isRefreshRequredCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

type mockBucket struct {
	items map[string][]byte
}

func (m mockBucket) Close() error {
	return nil
}

func (m mockBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := m.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (m mockBucket) NewRangeReaderEtag(_ context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	bs, ok := m.items[key]
	if !ok {
		return nil, "", http.StatusNotFound, fmt.Errorf("not found %s", key)
	}

	hash := md5.Sum(bs)
	resultEtag := hex.EncodeToString(hash[:])
	if len(etag) > 0 && resultEtag != etag {
		return nil, "", http.StatusPreconditionFailed, &RefreshRequiredError{http.StatusPreconditionFailed}
	}
	if offset+length > int64(len(bs)) {
		return nil, "", http.StatusRequestedRangeNotSatisfiable, &RefreshRequiredError{http.StatusRequestedRangeNotSatisfiable}
	}

	return io.NopCloser(bytes.NewReader(bs[offset:(offset + length)])), resultEtag, http.StatusPartialContent, nil
}

// FileBucket is a bucket backed by a directory on disk.
type FileBucket struct {
	path string
}

func (b FileBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b FileBucket) NewRangeReaderEtag(_ context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	name := filepath.Join(b.path, key)
	file, err := os.Open(name)
	if err != nil {
		return nil, "", http.StatusNotFound, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, "", http.StatusInternalServerError, err
	}
	modInfo := fmt.Sprintf("%d %d", info.ModTime().UnixNano(), info.Size())
	hash := md5.Sum([]byte(modInfo))
	newEtag := fmt.Sprintf(`"%s"`, hex.EncodeToString(hash[:]))
	if len(etag) > 0 && etag != newEtag {
		return nil, "", http.StatusPreconditionFailed, &RefreshRequiredError{http.StatusPreconditionFailed}
	}
	if length > info.Size()-offset {
		length = info.Size() - offset
	}
	result := make([]byte, length)
	read, err := file.ReadAt(result, offset)
	if err != nil && err != io.EOF {
		return nil, "", http.StatusInternalServerError, err
	}
	if int64(read) != length {
		return nil, "", http.StatusInternalServerError, fmt.Errorf("expected to read %d bytes but only read %d", length, read)
	}
	return io.NopCloser(bytes.NewReader(result)), newEtag, http.StatusPartialContent, nil
}

func (b FileBucket) Close() error {
	return nil
}

// HTTPClient is an interface that lets you swap out the default client with a mock one in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPBucket struct {
	baseURL string
	client  HTTPClient
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b HTTPBucket) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	reqURL := b.baseURL + "/" + key

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, "", 0, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if len(etag) > 0 {
		req.Header.Set("If-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if isRefreshRequredCode(resp.StatusCode) {
			return nil, "", resp.StatusCode, &RefreshRequiredError{resp.StatusCode}
		}
		return nil, "", resp.StatusCode, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	return resp.Body, resp.Header.Get("ETag"), resp.StatusCode, nil
}

func (b HTTPBucket) Close() error {
	return nil
}

// BucketAdapter wraps a gocloud.dev/blob.Bucket, translating conditional
// range reads into the provider-specific option struct each gocloud driver
// (AWS, Azure, GCS) exposes via its As/BeforeRead hooks.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (ba BucketAdapter) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := ba.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (ba BucketAdapter) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	reader, err := ba.Bucket.NewRangeReader(ctx, key, offset, length, &blob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if len(etag) > 0 {
				setProviderEtag(asFunc, etag)
			}
			return nil
		},
	})
	if err != nil {
		statusCode := getProviderErrorStatusCode(err)
		if isRefreshRequredCode(statusCode) {
			return nil, "", statusCode, &RefreshRequiredError{statusCode}
		}
		return nil, "", statusCode, err
	}
	resultEtag := ""
	var s3Resp s3.GetObjectOutput
	var azResp azblob.DownloadStreamResponse
	switch {
	case reader.As(&s3Resp):
		if s3Resp.ETag != nil {
			resultEtag = *s3Resp.ETag
		}
	case reader.As(&azResp):
		if azResp.ETag != nil {
			resultEtag = string(*azResp.ETag)
		}
	default:
		var generation int64
		if reader.As(&generation) {
			resultEtag = generationToEtag(generation)
		}
	}
	return reader, resultEtag, http.StatusPartialContent, nil
}

func (ba BucketAdapter) Close() error {
	return ba.Bucket.Close()
}

// RefreshRequiredError indicates the etag has changed on the remote file.
type RefreshRequiredError struct {
	StatusCode int
}

func (m *RefreshRequiredError) Error() string {
	return fmt.Sprintf("HTTP error indicates file has changed: %d", m.StatusCode)
}

// setProviderEtag applies an If-Match-style precondition to whichever
// provider-specific request/options struct the driver's BeforeRead hook
// exposes.
func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var s3Req *s3.GetObjectInput
	if asFunc(&s3Req) {
		s3Req.IfMatch = aws.String(etag)
		return
	}
	var azOpts *azblob.DownloadStreamOptions
	if asFunc(&azOpts) {
		if azOpts.AccessConditions == nil {
			azOpts.AccessConditions = &azblob.AccessConditions{}
		}
		tag := azcore.ETag(etag)
		azOpts.AccessConditions.ModifiedAccessConditions = &azblob.ModifiedAccessConditions{IfMatch: &tag}
	}
}

// getProviderErrorStatusCode extracts an HTTP-style status code from
// whichever cloud SDK produced err, defaulting to 404 when the error type
// isn't recognized (matching gocloud's own not-found convention).
func getProviderErrorStatusCode(err error) int {
	var refreshErr *RefreshRequiredError
	if errors.As(err, &refreshErr) {
		return refreshErr.StatusCode
	}
	var awsErr *smithyhttp.ResponseError
	if errors.As(err, &awsErr) {
		return awsErr.HTTPStatusCode()
	}
	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		return azErr.StatusCode
	}
	var gcpErr *googleapi.Error
	if errors.As(err, &gcpErr) {
		return gcpErr.Code
	}
	return http.StatusNotFound
}

// etagToGeneration and generationToEtag round-trip GCS object generation
// numbers through the etag string the Bucket interface carries, since GCS
// identifies object versions by generation rather than an opaque etag.
func etagToGeneration(etag string) int64 {
	generation, _ := strconv.ParseInt(etag, 10, 64)
	return generation
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func NormalizeBucketKey(bucket string, prefix string, key string) (string, string, error) {
	if bucket == "" {
		if strings.HasPrefix(key, "http") {
			u, err := url.Parse(key)
			if err != nil {
				return "", "", err
			}
			dir, file := path.Split(u.Path)
			if strings.HasSuffix(dir, "/") {
				dir = dir[:len(dir)-1]
			}
			return u.Scheme + "://" + u.Host + dir, file, nil
		}
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		if prefix != "" {
			abs, err := filepath.Abs(prefix)
			if err != nil {
				return "", "", err
			}
			return fileprotocol + filepath.ToSlash(abs), key, nil
		}
		abs, err := filepath.Abs(key)
		if err != nil {
			return "", "", err
		}
		return fileprotocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
	}
	return bucket, key, nil
}

func OpenBucket(ctx context.Context, bucketURL string, bucketPrefix string) (Bucket, error) {
	if strings.HasPrefix(bucketURL, "http") {
		bucket := HTTPBucket{bucketURL, http.DefaultClient}
		return bucket, nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		path := strings.Replace(bucketURL, fileprotocol, "", 1)
		bucket := FileBucket{filepath.FromSlash(path)}
		return bucket, nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if bucketPrefix != "" && bucketPrefix != "/" && bucketPrefix != "." {
		bucket = blob.PrefixedBucket(bucket, path.Clean(bucketPrefix)+string(os.PathSeparator))
	}
	wrappedBucket := BucketAdapter{bucket}
	return wrappedBucket, err
}
