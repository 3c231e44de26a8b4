package target

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const (
	xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

	AllUsersURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	AuthenticatedUsersURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	LogDeliveryURI        = "http://acs.amazonaws.com/groups/s3/LogDelivery"

	granteeCanonicalUser = "CanonicalUser"
	granteeGroup         = "Group"

	PermFullControl = "FULL_CONTROL"
	PermRead        = "READ"
	PermWrite       = "WRITE"
	PermReadACP     = "READ_ACP"
	PermWriteACP    = "WRITE_ACP"
)

var validPermissions = map[string]bool{
	PermFullControl: true,
	PermRead:        true,
	PermWrite:       true,
	PermReadACP:     true,
	PermWriteACP:    true,
}

var validGroups = map[string]bool{
	AllUsersURI:           true,
	AuthenticatedUsersURI: true,
	LogDeliveryURI:        true,
}

// Grant is one row of the grants table. Grantee is a canonical user ID or a
// group URI depending on GranteeType.
type Grant struct {
	GranteeType string
	Grantee     string
	Permission  string
}

// AccessControlPolicy is the ?acl response document.
type AccessControlPolicy struct {
	XMLName xml.Name   `xml:"AccessControlPolicy"`
	XMLNS   string     `xml:"xmlns,attr"`
	Owner   Owner      `xml:"Owner"`
	Grants  []GrantXML `xml:"AccessControlList>Grant"`
}

type GrantXML struct {
	Grantee    GranteeXML `xml:"Grantee"`
	Permission string     `xml:"Permission"`
}

type GranteeXML struct {
	XMLNSXSI    string `xml:"xmlns:xsi,attr"`
	Type        string `xml:"xsi:type,attr"`
	ID          string `xml:"ID,omitempty"`
	DisplayName string `xml:"DisplayName,omitempty"`
	URI         string `xml:"URI,omitempty"`
}

// The input side is parsed into pointer fields so that absent elements can
// be told apart from empty ones.
type aclPolicyInput struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ AccessControlPolicy"`
	Owner   *struct {
		ID *string `xml:"ID"`
	} `xml:"Owner"`
	AccessControlList *struct {
		Grants []aclGrantInput `xml:"Grant"`
	} `xml:"AccessControlList"`
}

type aclGrantInput struct {
	Grantee *struct {
		Type         string  `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr"`
		ID           *string `xml:"ID"`
		URI          *string `xml:"URI"`
		EmailAddress *string `xml:"EmailAddress"`
	} `xml:"Grantee"`
	Permission *string `xml:"Permission"`
}

// aclError is a client error found while validating an ACL request.
type aclError struct {
	Code    string
	Message string
}

func (e *aclError) Error() string {
	return e.Code + ": " + e.Message
}

func malformedACL(message string) error {
	return &aclError{Code: "MalformedACLError", Message: message}
}

// parseACL validates an AccessControlPolicy body. owner is the canonical ID
// of the resource owner.
func (s *Server) parseACL(body []byte, owner string) ([]Grant, error) {
	var doc aclPolicyInput
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, malformedACL("The XML you provided was not well-formed or did not validate against our published schema.")
	}

	if doc.Owner == nil || doc.Owner.ID == nil || *doc.Owner.ID == "" {
		return nil, malformedACL("The ACL must name its owner.")
	}
	if !s.users[*doc.Owner.ID] {
		return nil, &aclError{Code: "InvalidArgument", Message: "Invalid id"}
	}
	if *doc.Owner.ID != owner {
		return nil, &aclError{Code: "AccessDenied", Message: "The owner of an ACL cannot be changed."}
	}
	if doc.AccessControlList == nil {
		return nil, malformedACL("The ACL must contain an AccessControlList.")
	}

	grants := make([]Grant, 0, len(doc.AccessControlList.Grants))
	for _, g := range doc.AccessControlList.Grants {
		if g.Grantee == nil {
			return nil, malformedACL("Each grant must name a grantee.")
		}
		if g.Permission == nil || !validPermissions[*g.Permission] {
			return nil, malformedACL("Each grant must carry a valid permission.")
		}

		switch g.Grantee.Type {
		case granteeCanonicalUser:
			if g.Grantee.ID == nil || *g.Grantee.ID == "" {
				return nil, malformedACL("A CanonicalUser grantee must carry an ID.")
			}
			if !s.users[*g.Grantee.ID] {
				return nil, &aclError{Code: "InvalidArgument", Message: "Invalid id"}
			}
			grants = append(grants, Grant{GranteeType: granteeCanonicalUser, Grantee: *g.Grantee.ID, Permission: *g.Permission})
		case granteeGroup:
			if g.Grantee.URI == nil || !validGroups[*g.Grantee.URI] {
				return nil, &aclError{Code: "InvalidArgument", Message: "Invalid group uri"}
			}
			grants = append(grants, Grant{GranteeType: granteeGroup, Grantee: *g.Grantee.URI, Permission: *g.Permission})
		case "AmazonCustomerByEmail":
			return nil, &aclError{Code: "UnresolvableGrantByEmailAddress", Message: "The email address you provided does not match any account on record."}
		default:
			return nil, malformedACL("Grantee type is missing or unknown.")
		}
	}

	return grants, nil
}

// cannedGrants expands an x-amz-acl value. bucketOwner is only consulted for
// the bucket-owner-* variants.
func cannedGrants(acl, owner, bucketOwner string) ([]Grant, error) {
	grants := []Grant{{GranteeType: granteeCanonicalUser, Grantee: owner, Permission: PermFullControl}}
	group := func(uri, perm string) Grant {
		return Grant{GranteeType: granteeGroup, Grantee: uri, Permission: perm}
	}

	switch acl {
	case "", "private":
	case "public-read":
		grants = append(grants, group(AllUsersURI, PermRead))
	case "public-read-write":
		grants = append(grants, group(AllUsersURI, PermRead), group(AllUsersURI, PermWrite))
	case "authenticated-read":
		grants = append(grants, group(AuthenticatedUsersURI, PermRead))
	case "log-delivery-write":
		grants = append(grants, group(LogDeliveryURI, PermWrite), group(LogDeliveryURI, PermReadACP))
	case "bucket-owner-read":
		if bucketOwner != "" && bucketOwner != owner {
			grants = append(grants, Grant{GranteeType: granteeCanonicalUser, Grantee: bucketOwner, Permission: PermRead})
		}
	case "bucket-owner-full-control":
		if bucketOwner != "" && bucketOwner != owner {
			grants = append(grants, Grant{GranteeType: granteeCanonicalUser, Grantee: bucketOwner, Permission: PermFullControl})
		}
	default:
		return nil, &aclError{Code: "InvalidArgument", Message: "Unknown canned ACL " + acl}
	}

	return grants, nil
}

func replaceGrants(ctx context.Context, tx *sql.Tx, bucket, key string, grants []Grant) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return err
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grants(bucket, key, grantee_type, grantee, permission) VALUES(?, ?, ?, ?, ?)`,
			bucket, key, g.GranteeType, g.Grantee, g.Permission,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) loadGrants(ctx context.Context, bucket, key string) ([]Grant, error) {
	rows, err := s.Db.QueryContext(ctx,
		`SELECT grantee_type, grantee, permission FROM grants WHERE bucket = ? AND key = ? ORDER BY rowid`,
		bucket, key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.GranteeType, &g.Grantee, &g.Permission); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// grantsAllow reports whether any grant gives the requester perm.
func grantsAllow(grants []Grant, accessKey string, perm string) bool {
	for _, g := range grants {
		if g.Permission != perm && g.Permission != PermFullControl {
			continue
		}
		switch g.GranteeType {
		case granteeCanonicalUser:
			if accessKey != "" && g.Grantee == accessKey {
				return true
			}
		case granteeGroup:
			if g.Grantee == AllUsersURI || (g.Grantee == AuthenticatedUsersURI && accessKey != "") {
				return true
			}
		}
	}
	return false
}

// authorize checks that the requester holds perm on bucket, or on
// bucket/key when key is not empty. Object writes are governed by the
// bucket's WRITE grant. It writes the error response and returns false when
// the request must not proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, bucket, key, perm string) bool {
	ctx := r.Context()

	bucketOwner, err := s.bucketOwner(ctx, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchBucketError(w, r)
		return false
	}
	if err != nil {
		slog.Error("Bucket owner lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}

	var accessKey string
	if user := userFromContext(ctx); user != nil {
		accessKey = user.AccessKeyID
	}
	if accessKey != "" && accessKey == bucketOwner {
		return true
	}

	grantKey := key
	if perm == PermWrite {
		grantKey = ""
	}

	grants, err := s.loadGrants(ctx, bucket, grantKey)
	if err != nil {
		slog.Error("Grant lookup", "bucket", bucket, "key", grantKey, "err", err)
		writeInternalError(w, r)
		return false
	}
	if grantKey != "" && accessKey != "" {
		if rec, err := s.lookupObject(ctx, bucket, grantKey); err == nil && rec.Owner == accessKey {
			return true
		}
	}
	if grantsAllow(grants, accessKey, perm) {
		return true
	}

	writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
	return false
}

func ownerOf(id string) Owner {
	return Owner{ID: id, DisplayName: id}
}

func grantsToXML(grants []Grant) []GrantXML {
	out := make([]GrantXML, 0, len(grants))
	for _, g := range grants {
		grantee := GranteeXML{XMLNSXSI: xsiNamespace, Type: g.GranteeType}
		if g.GranteeType == granteeGroup {
			grantee.URI = g.Grantee
		} else {
			grantee.ID = g.Grantee
			grantee.DisplayName = g.Grantee
		}
		out = append(out, GrantXML{Grantee: grantee, Permission: g.Permission})
	}
	return out
}

// handleGetACL serves GET ?acl on a bucket (key empty) or an object.
func (s *Server) handleGetACL(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermReadACP) {
		return
	}

	owner, err := s.resourceOwner(r.Context(), bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Resource owner lookup", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	grants, err := s.loadGrants(r.Context(), bucket, key)
	if err != nil {
		slog.Error("Grant lookup", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	_ = writeXMLResponse(w, AccessControlPolicy{
		XMLNS:  s3XMLNamespace,
		Owner:  ownerOf(owner),
		Grants: grantsToXML(grants),
	})
}

// handlePutACL serves PUT ?acl, taking either an x-amz-acl header or an
// AccessControlPolicy body.
func (s *Server) handlePutACL(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWriteACP) {
		return
	}

	ctx := r.Context()
	owner, err := s.resourceOwner(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Resource owner lookup", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	var grants []Grant
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		bucketOwner, _ := s.bucketOwner(ctx, bucket)
		grants, err = cannedGrants(canned, owner, bucketOwner)
	} else {
		body, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			writeS3Error(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", r.URL.Path, http.StatusBadRequest)
			return
		}
		grants, err = s.parseACL(body, owner)
	}

	var aclErr *aclError
	if errors.As(err, &aclErr) {
		status := http.StatusBadRequest
		if aclErr.Code == "AccessDenied" {
			status = http.StatusForbidden
		}
		writeS3Error(w, aclErr.Code, aclErr.Message, r.URL.Path, status)
		return
	}
	if err != nil {
		writeInternalError(w, r)
		return
	}

	err = withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		return replaceGrants(ctx, tx, bucket, key, grants)
	})
	if err != nil {
		slog.Error("Store grants", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// resourceOwner returns the owner of the bucket or of the object.
func (s *Server) resourceOwner(ctx context.Context, bucket, key string) (string, error) {
	if key == "" {
		return s.bucketOwner(ctx, bucket)
	}
	var owner string
	err := s.Db.QueryRowContext(ctx, `SELECT owner FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&owner)
	return owner, err
}
