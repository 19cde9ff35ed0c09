// Package sigv4 implements AWS Signature Version 4 query-string presigning
// for S3-compatible object stores, and the matching verifier.
//
// Nothing in this package performs I/O. Callers supply the signing time, which
// keeps every URL reproducible for fixed inputs.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Algorithm is the only signing algorithm produced and accepted.
	Algorithm = "AWS4-HMAC-SHA256"
	// UnsignedPayload is the payload hash token for bodies unknown at signing time.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	service     = "s3"
	terminator  = "aws4_request"
	timeFormat  = "20060102T150405Z"
	dateFormat  = "20060102"
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Errors returned by Presign. All of them are configuration or programming
// faults; none is retryable.
var (
	ErrMissingCredentials = errors.New("sigv4: access key id and secret access key are required")
	ErrMissingRegion      = errors.New("sigv4: region is required")
	ErrMissingHost        = errors.New("sigv4: endpoint host is required")
	ErrEmptyKey           = errors.New("sigv4: object key is required")
	ErrInvalidMethod      = errors.New("sigv4: method must be GET, PUT, DELETE or HEAD")
	ErrInvalidExpiry      = errors.New("sigv4: expiry must be positive")
)

// PayloadMode selects the payload hash embedded in the canonical request.
type PayloadMode int

const (
	// PayloadEmpty signs the SHA-256 of an empty body (GET, DELETE, listing).
	PayloadEmpty PayloadMode = iota
	// PayloadUnsigned signs the literal UNSIGNED-PAYLOAD (PUT of unknown bytes).
	PayloadUnsigned
)

func (m PayloadMode) hash() string {
	if m == PayloadUnsigned {
		return UnsignedPayload
	}
	return emptySHA256
}

// Credentials is a static access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Request describes a single presigned operation.
type Request struct {
	Method      string
	Scheme      string // defaults to https
	Host        string // virtual-hosted bucket host, see R2Host
	Key         string
	Credentials Credentials
	Region      string
	ExpiresIn   int // seconds; range policy belongs to the caller
	Payload     PayloadMode
	Time        time.Time
}

// R2Host returns the virtual-hosted endpoint of a Cloudflare R2 bucket.
func R2Host(bucket, accountID string) string {
	return bucket + "." + accountID + ".r2.cloudflarestorage.com"
}

// Presign returns a presigned URL for an object operation.
func Presign(req Request) (string, error) {
	if req.Key == "" {
		return "", ErrEmptyKey
	}
	return presign(req)
}

// PresignBucket returns a presigned URL addressing the bucket root, as used
// by ListObjectsV2. req.Key is ignored.
func PresignBucket(req Request) (string, error) {
	req.Key = ""
	return presign(req)
}

func presign(req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	t := req.Time.UTC()
	amzDate := t.Format(timeFormat)
	date := amzDate[:8]
	scope := credentialScope(date, req.Region)

	params := map[string]string{
		"X-Amz-Algorithm":     Algorithm,
		"X-Amz-Credential":    req.Credentials.AccessKeyID + "/" + scope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       strconv.Itoa(req.ExpiresIn),
		"X-Amz-SignedHeaders": "host",
	}
	query := canonicalQuery(params)
	path := "/" + EncodePath(req.Key)

	creq := canonicalRequest(req.Method, path, query, req.Host, req.Payload.hash())
	sts := stringToSign(amzDate, scope, creq)
	sig := hex.EncodeToString(hmacSHA256(signingKey(req.Credentials.SecretAccessKey, date, req.Region), sts))

	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s?%s&X-Amz-Signature=%s", scheme, req.Host, path, query, sig), nil
}

func validate(req Request) error {
	switch {
	case req.Credentials.AccessKeyID == "" || req.Credentials.SecretAccessKey == "":
		return ErrMissingCredentials
	case req.Region == "":
		return ErrMissingRegion
	case req.Host == "":
		return ErrMissingHost
	case req.ExpiresIn <= 0:
		return ErrInvalidExpiry
	}
	switch req.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead:
		return nil
	default:
		return ErrInvalidMethod
	}
}

func credentialScope(date, region string) string {
	return date + "/" + region + "/" + service + "/" + terminator
}

// canonicalRequest assembles the six newline-joined parts. Only the host
// header is signed.
func canonicalRequest(method, path, query, host, payloadHash string) string {
	return strings.Join([]string{
		method,
		path,
		query,
		"host:" + host + "\n",
		"host",
		payloadHash,
	}, "\n")
}

func stringToSign(amzDate, scope, canonicalReq string) string {
	sum := sha256.Sum256([]byte(canonicalReq))
	return Algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(sum[:])
}

func signingKey(secret, date, region string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, terminator)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// canonicalQuery encodes params sorted by key.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(URIEncode(k))
		b.WriteByte('=')
		b.WriteString(URIEncode(params[k]))
	}
	return b.String()
}

// EncodePath URI-encodes every segment of key and keeps the separators.
func EncodePath(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = URIEncode(s)
	}
	return strings.Join(segs, "/")
}

// URIEncode percent-encodes everything except the SigV4 unreserved set
// A-Z a-z 0-9 - _ . ~, using uppercase hex.
func URIEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
