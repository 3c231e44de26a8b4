package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	AWSv2Prefix = "AWS "
)

// ErrInvalidEncoding is returned when a signing input is not valid UTF-8.
var ErrInvalidEncoding = errors.New("input is not valid UTF-8")

// SigningError reports a request that could not be signed.
type SigningError struct {
	Field string
	Err   error
}

func (e *SigningError) Error() string {
	return "sign: " + e.Field + ": " + e.Err.Error()
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Credentials is an access key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

func HmacSHA1(key []byte, data string) []byte {
	h := hmac.New(sha1.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// Sign computes the base64 HMAC-SHA1 of stringToSign keyed by secret.
func Sign(secret, stringToSign string) (string, error) {
	if !utf8.ValidString(secret) {
		return "", &SigningError{Field: "secret key", Err: ErrInvalidEncoding}
	}
	if !utf8.ValidString(stringToSign) {
		return "", &SigningError{Field: "string to sign", Err: ErrInvalidEncoding}
	}

	sig := base64.StdEncoding.EncodeToString(HmacSHA1([]byte(secret), stringToSign))
	return strings.TrimRight(sig, "\n"), nil
}

// Authorization returns the Authorization header value for stringToSign.
func Authorization(creds Credentials, stringToSign string) (string, error) {
	sig, err := Sign(creds.SecretKey, stringToSign)
	if err != nil {
		return "", err
	}
	return AWSv2Prefix + creds.AccessKey + ":" + sig, nil
}

// ContentMD5 returns the base64 MD5 digest of data, as carried in the
// Content-MD5 header.
func ContentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
