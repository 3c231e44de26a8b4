package naming

import (
	"fmt"
	"strings"
)

const (
	xsiNamespace = `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`
	s3Namespace  = `xmlns="http://s3.amazonaws.com/doc/2006-03-01/"`
	allUsersURI  = "http://acs.amazonaws.com/groups/global/AllUsers"
)

// ACLBody is a named access control policy document.
type ACLBody struct {
	Name string
	Body string
}

func owner(id string) string {
	if id == "" {
		return "<Owner></Owner>"
	}
	return fmt.Sprintf("<Owner><ID>%s</ID><DisplayName>%s</DisplayName></Owner>", id, id)
}

func ownerWithoutID(id string) string {
	return fmt.Sprintf("<Owner><DisplayName>%s</DisplayName></Owner>", id)
}

func canonicalGrantee(attrs, inner string) string {
	return fmt.Sprintf("<Grantee %s>%s</Grantee>", attrs, inner)
}

func userInner(id string) string {
	return fmt.Sprintf("<ID>%s</ID><DisplayName>%s</DisplayName>", id, id)
}

func grant(grantee, permission string) string {
	var b strings.Builder
	b.WriteString("<Grant>")
	b.WriteString(grantee)
	if permission != "" {
		b.WriteString("<Permission>" + permission + "</Permission>")
	}
	b.WriteString("</Grant>")
	return b.String()
}

func acl(grants ...string) string {
	return "<AccessControlList>" + strings.Join(grants, "") + "</AccessControlList>"
}

func policy(parts ...string) string {
	return "<AccessControlPolicy " + s3Namespace + ">" + strings.Join(parts, "") + "</AccessControlPolicy>"
}

func fullControl(id string) string {
	return grant(canonicalGrantee(xsiNamespace+` xsi:type="CanonicalUser"`, userInner(id)), "FULL_CONTROL")
}

// ValidACL returns a policy granting id full control and everyone read.
func ValidACL(id string) string {
	return policy(
		owner(id),
		acl(
			fullControl(id),
			grant(canonicalGrantee(xsiNamespace+` xsi:type="Group"`, "<URI>"+allUsersURI+"</URI>"), "READ"),
		),
	)
}

// InvalidACLBodies returns malformed access control policies that every
// target must reject with a client error. defaultID is the owner's
// canonical ID.
func InvalidACLBodies(defaultID string) []ACLBody {
	full := fullControl(defaultID)
	return []ACLBody{
		{"whitespace only", " \t\n "},
		{"no owner and no acl", policy()},
		{"no owner", policy(acl(full))},
		{"no acl", policy(owner(defaultID))},
		{"owner without id", policy(ownerWithoutID(defaultID), acl(full))},
		{"grant without grantee", policy(owner(defaultID), acl(grant("", "FULL_CONTROL")))},
		{"grant without permission", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace+` xsi:type="CanonicalUser"`, userInner(defaultID)), "")))},
		{"canonical user without id", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace+` xsi:type="CanonicalUser"`, "<DisplayName>"+defaultID+"</DisplayName>"), "FULL_CONTROL")))},
		{"group without uri", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace+` xsi:type="Group"`, ""), "READ")))},
		{"lower case root", "<accesscontrolpolicy " + s3Namespace + ">" + owner(defaultID) + acl(full) + "</AccessControlPolicy>"},
		{"invalid permission", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace+` xsi:type="CanonicalUser"`, userInner(defaultID)), "NoSuchPermission")))},
		{"invalid grantee id", policy(owner(defaultID), acl(fullControl("nosuchid")))},
		{"grantee without namespace", policy(owner(defaultID), acl(grant(canonicalGrantee(`xsi:type="CanonicalUser"`, userInner(defaultID)), "FULL_CONTROL")))},
		{"grantee with invalid namespace", policy(owner(defaultID), acl(grant(canonicalGrantee(`xmlns:xsi="http:////www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser"`, userInner(defaultID)), "FULL_CONTROL")))},
		{"grantee without type", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace, userInner(defaultID)), "FULL_CONTROL")))},
		{"grantee with invalid type", policy(owner(defaultID), acl(grant(canonicalGrantee(xsiNamespace+` xsi:type="nosuchtype"`, userInner(defaultID)), "FULL_CONTROL")))},
		{"no root element", owner(defaultID) + acl(full)},
		{"unclosed root", "<AccessControlPolicy " + s3Namespace + ">" + owner(defaultID) + acl(full)},
		{"owner only", owner(defaultID)},
		{"acl only", acl(full)},
		{"unrelated document", `<doc><branch name="testing" hash="1cdf045c">text,source</branch><branch name="invalid"></branch></doc>`},
	}
}
