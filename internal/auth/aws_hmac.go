package auth

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrRequestTimeTooSkewed is returned when a signed request carries a Date
// too far from the verifier's clock.
var ErrRequestTimeTooSkewed = errors.New("request time too skewed")

// ErrPolicyExpired is returned when a POST policy's expiration has passed.
var ErrPolicyExpired = errors.New("policy expired")

// KeyStore maps access keys to their secrets.
type KeyStore map[string]string

// AwsHmacAuthEngine verifies header-signed requests of the form
// "Authorization: AWS access:signature".
type AwsHmacAuthEngine struct {
	Keys KeyStore

	// MaxSkew bounds the difference between the request Date and Now. Zero
	// disables the check.
	MaxSkew time.Duration
	Now     func() time.Time
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine accepting the given
// credentials.
func NewAwsHmacAuthEngine(creds ...Credentials) *AwsHmacAuthEngine {
	keys := make(KeyStore, len(creds))
	for _, c := range creds {
		keys[c.AccessKey] = c.SecretKey
	}
	return &AwsHmacAuthEngine{
		Keys:    keys,
		MaxSkew: 15 * time.Minute,
		Now:     time.Now,
	}
}

// RequestStringToSign rebuilds the canonical string from a received request.
func RequestStringToSign(r *http.Request) string {
	return StringToSign(r.Method, HeaderListFromHTTP(r.Header), ParseQuery(r.URL.RawQuery), r.URL.EscapedPath())
}

// AuthenticateRequest checks the Authorization header for a valid V2
// signature. It returns a User object if the signature matches, nil otherwise.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, AWSv2Prefix) {
		return nil, nil
	}

	accessKeyID, signature, ok := strings.Cut(strings.TrimPrefix(authz, AWSv2Prefix), ":")
	if !ok || accessKeyID == "" || signature == "" {
		return nil, nil
	}

	secret, ok := e.Keys[accessKeyID]
	if !ok {
		return nil, nil
	}

	if e.MaxSkew > 0 {
		date := r.Header.Get("X-Amz-Date")
		if date == "" {
			date = r.Header.Get("Date")
		}
		when, err := http.ParseTime(date)
		if err != nil {
			return nil, nil
		}
		if skew := e.Now().Sub(when).Abs(); skew > e.MaxSkew {
			return nil, ErrRequestTimeTooSkewed
		}
	}

	header := HeaderListFromHTTP(r.Header)
	query := ParseQuery(r.URL.RawQuery)
	candidates := []struct {
		subresources map[string]bool
		query        QueryList
	}{
		{Subresources, query},
		{ExtendedSubresources, query},
		// SDKs render an empty subresource value as the bare name.
		{ExtendedSubresources, bareEmptyValues(query)},
	}
	for _, c := range candidates {
		expected, err := Sign(secret, stringToSign(r.Method, header, c.query, r.URL.EscapedPath(), c.subresources))
		if err != nil {
			return nil, nil
		}
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return &User{
				AccessKeyID: accessKeyID,
			}, nil
		}
	}

	return nil, nil

}

func bareEmptyValues(query QueryList) QueryList {
	out := make(QueryList, len(query))
	for i, p := range query {
		if p.Value == "" {
			p.HasValue = false
		}
		out[i] = p
	}
	return out
}

// PostPolicyAuthEngine verifies browser-style POST uploads whose multipart
// form carries AWSAccessKeyId, Policy and Signature fields. The parsed form
// is left on the request for the handler.
type PostPolicyAuthEngine struct {
	Keys      KeyStore
	MaxMemory int64
	Now       func() time.Time
}

// NewPostPolicyAuthEngine creates a new PostPolicyAuthEngine accepting the
// given credentials.
func NewPostPolicyAuthEngine(creds ...Credentials) *PostPolicyAuthEngine {
	keys := make(KeyStore, len(creds))
	for _, c := range creds {
		keys[c.AccessKey] = c.SecretKey
	}
	return &PostPolicyAuthEngine{
		Keys:      keys,
		MaxMemory: 32 << 20,
		Now:       time.Now,
	}
}

// AuthenticateRequest checks the policy signature of a multipart POST. It
// returns a User object if the signature matches, nil otherwise.
func (e *PostPolicyAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if r.Method != http.MethodPost {
		return nil, nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, nil
	}

	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(e.MaxMemory); err != nil {
			return nil, nil
		}
	}

	accessKeyID := r.FormValue("AWSAccessKeyId")
	policy := r.FormValue("Policy")
	signature := r.FormValue("Signature")
	if accessKeyID == "" || policy == "" || signature == "" {
		return nil, nil
	}

	secret, ok := e.Keys[accessKeyID]
	if !ok {
		return nil, nil
	}

	expected, err := Sign(secret, policy)
	if err != nil || !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(policy)
	if err != nil {
		return nil, nil
	}
	var doc struct {
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil
	}
	expires, err := time.Parse(time.RFC3339, doc.Expiration)
	if err != nil {
		return nil, nil
	}
	if e.Now().After(expires) {
		return nil, ErrPolicyExpired
	}

	return &User{
		AccessKeyID: accessKeyID,
	}, nil
}
