package sigv4

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Errors returned by the verifier.
var (
	ErrAuthMissing       = errors.New("sigv4: missing presigned authorization")
	ErrAuthInvalid       = errors.New("sigv4: invalid presigned authorization")
	ErrUnknownAccessKey  = errors.New("sigv4: unknown access key")
	ErrSignatureMismatch = errors.New("sigv4: signature does not match")
	ErrRequestExpired    = errors.New("sigv4: request has expired")
	ErrRequestNotYet     = errors.New("sigv4: request date is in the future")
)

// CredentialsLookup resolves the secret for an access key id.
type CredentialsLookup func(accessKeyID string) (secret string, ok bool)

// StaticCredentials returns a lookup that knows a single key pair.
func StaticCredentials(c Credentials) CredentialsLookup {
	return func(ak string) (string, bool) {
		if ak == "" || ak != c.AccessKeyID {
			return "", false
		}
		return c.SecretAccessKey, true
	}
}

// Verifier checks query-string (presigned) SigV4 authentication on incoming
// requests, the way an S3-compatible store does.
type Verifier struct {
	Lookup CredentialsLookup
	// Now defaults to time.Now.
	Now func() time.Time
	// MaxSkew bounds how far X-Amz-Date may lie in the future. Default 5m.
	MaxSkew time.Duration
}

type presignedAuth struct {
	accessKey string
	date      string
	region    string
	amzDate   string
	signedAt  time.Time
	expires   time.Duration
	signature string
}

// Verify returns nil when r carries a valid, unexpired presigned signature.
func (v *Verifier) Verify(r *http.Request) error {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") == "" {
		return ErrAuthMissing
	}
	auth, err := parsePresigned(q)
	if err != nil {
		return err
	}

	secret, ok := v.Lookup(auth.accessKey)
	if !ok {
		return ErrUnknownAccessKey
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := v.MaxSkew
	if skew == 0 {
		skew = 5 * time.Minute
	}
	if auth.signedAt.After(now.Add(skew)) {
		return ErrRequestNotYet
	}
	if now.After(auth.signedAt.Add(auth.expires)) {
		return ErrRequestExpired
	}

	path := "/" + EncodePath(strings.TrimPrefix(r.URL.Path, "/"))
	query := canonicalQueryFromValues(q)
	scope := credentialScope(auth.date, auth.region)
	key := signingKey(secret, auth.date, auth.region)

	// Presigned URLs normally sign UNSIGNED-PAYLOAD; bodyless methods may
	// also have been signed over the empty-body hash.
	candidates := []string{UnsignedPayload}
	if r.Method == http.MethodGet || r.Method == http.MethodDelete || r.Method == http.MethodHead {
		candidates = append(candidates, emptySHA256)
	}
	want, err := hex.DecodeString(auth.signature)
	if err != nil {
		return ErrAuthInvalid
	}
	for _, ph := range candidates {
		creq := canonicalRequest(r.Method, path, query, r.Host, ph)
		got := hmacSHA256(key, stringToSign(auth.amzDate, scope, creq))
		if hmac.Equal(got, want) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func parsePresigned(q url.Values) (*presignedAuth, error) {
	if q.Get("X-Amz-Algorithm") != Algorithm {
		return nil, ErrAuthInvalid
	}
	if !strings.EqualFold(q.Get("X-Amz-SignedHeaders"), "host") {
		return nil, ErrAuthInvalid
	}

	// Credential: <AKID>/<date>/<region>/s3/aws4_request
	parts := strings.Split(q.Get("X-Amz-Credential"), "/")
	if len(parts) != 5 || parts[0] == "" || parts[3] != service || parts[4] != terminator {
		return nil, ErrAuthInvalid
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(timeFormat, amzDate)
	if err != nil || amzDate[:8] != parts[1] {
		return nil, ErrAuthInvalid
	}
	secs, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || secs <= 0 {
		return nil, ErrAuthInvalid
	}
	sig := q.Get("X-Amz-Signature")
	if sig == "" {
		return nil, ErrAuthInvalid
	}

	return &presignedAuth{
		accessKey: parts[0],
		date:      parts[1],
		region:    parts[2],
		amzDate:   amzDate,
		signedAt:  signedAt,
		expires:   time.Duration(secs) * time.Second,
		signature: strings.ToLower(sig),
	}, nil
}

// canonicalQueryFromValues rebuilds the canonical query of an incoming
// request, leaving out the signature itself.
func canonicalQueryFromValues(q url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range q {
		if k == "X-Amz-Signature" {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{URIEncode(k), URIEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k + "=" + p.v
	}
	return strings.Join(out, "&")
}
