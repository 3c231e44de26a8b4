// Package catalog lists every data-plane conformance case with its tags and
// applicability rules. Cases look themselves up by name, so the metadata
// lives in one table that the CLI can also render without running anything.
package catalog

import (
	"fmt"
	"slices"

	"s3probe/internal/rules"
)

type Case struct {
	Name        string
	Description string
	Tags        []rules.Tag
	Rules       []rules.Rule
}

var (
	bucketAccess = []rules.Tag{rules.TagDataPlane, rules.TagBucketAccess}
	bucketMgmt   = []rules.Tag{rules.TagDataPlane, rules.TagBucketMgmt}
	objectIO     = []rules.Tag{rules.TagDataPlane, rules.TagObjectIO}
	authTags     = []rules.Tag{rules.TagDataPlane, rules.TagAuth}
)

func with(tags []rules.Tag, extra ...rules.Tag) []rules.Tag {
	return append(slices.Clone(tags), extra...)
}

var cases = []Case{
	// Bucket access.
	{
		Name:        "bucket_not_exist",
		Description: "Getting a bucket that does not exist fails with 404 NoSuchBucket.",
		Tags:        bucketAccess,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "bucket_delete_not_exist",
		Description: "Deleting a bucket that does not exist fails with 404 NoSuchBucket.",
		Tags:        bucketAccess,
		// fakes3 answers 500.
		Rules: []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "bucket_delete_not_empty",
		Description: "Deleting a bucket that still holds keys fails with 409 BucketNotEmpty.",
		Tags:        bucketAccess,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},

	// Bucket management.
	{
		Name:        "bucket_create_valid_names",
		Description: "Bucket names at the length limits and with special symbols are accepted.",
		Tags:        bucketMgmt,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "bucket_create_invalid_names",
		Description: "Bucket names breaking the naming convention are rejected with 400.",
		Tags:        bucketMgmt,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},

	// Object listing.
	{
		Name:        "object_list_from_distinct_bucket",
		Description: "Distinct buckets have different contents.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_list_many",
		Description: "Pagination with max-keys=2 and no marker.",
		Tags:        objectIO,
		// fakes3 always reports MaxKeys 1000; ecs includes the marker in the
		// listing.
		Rules: []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3, rules.PlatformECS)},
	},
	{
		Name:        "object_list_delimiter_basic",
		Description: "A slash delimiter folds multi-component keys into common prefixes.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_list_delimiter_alt",
		Description: "Non-slash delimiter characters fold keys into common prefixes.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_list_delimiter_invalid",
		Description: "Non-printable, empty and unused delimiters can be specified.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_list_delimiter_none",
		Description: "An unspecified delimiter lists every key.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_list_delimiter_prefix",
		Description: "Paging through prefixes and common prefixes with a marker.",
		Tags:        objectIO,
		// ecs NextMarker is not the last element returned.
		Rules: []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3, rules.PlatformECS)},
	},
	{
		Name:        "object_list_return_data",
		Description: "Listed ETag, size and owner match the object's own metadata.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "list_empty_bucket",
		Description: "Listing an empty bucket returns no keys.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "list_object",
		Description: "Every created key is listed.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "list_object_with_marker",
		Description: "Paging with the last key as marker visits every key once and never returns the marker.",
		Tags:        with(objectIO, rules.TagLong),
		Rules:       []rules.Rule{rules.KnownIssue(rules.PlatformECS, rules.PlatformGouda), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "list_object_negative",
		Description: "max-keys=0 lists nothing; negative or non-integer max-keys is rejected.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.KnownIssue(rules.PlatformECS, rules.PlatformGouda), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "virtual_folder",
		Description: "Prefix plus delimiter lists one level of a virtual folder.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "recursive_virtual_folders",
		Description: "Nested virtual folders list one level at a time.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "virtual_folder_parallel_connection",
		Description: "Objects created through one node are listed through another.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "virtual_folder_parallelly_create",
		Description: "Objects created concurrently from several clients are all listed.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "virtual_folder_parallel_operation",
		Description: "Concurrent create and delete leave a consistent listing.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},

	// Object I/O through the request builder.
	{
		Name:        "object_put_get_md5",
		Description: "A signed PUT with Content-MD5 round-trips and reports the MD5 as ETag.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_bad_digest",
		Description: "A PUT whose Content-MD5 does not match the body is rejected with BadDigest.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "object_chunked_upload",
		Description: "A Transfer-Encoding: chunked PUT stores the decoded body.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "object_chunked_upload_malformed",
		Description: "A chunked PUT with a malformed frame is rejected with 400.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "object_synthetic_upload",
		Description: "A synthetic payload is stored with the checksum the generator predicts.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_synthetic_upload_large",
		Description: "A synthetic payload just over 1 GiB is stored with the predicted checksum.",
		Tags:        with(objectIO, rules.TagLong),
		Rules:       []rules.Rule{rules.Disabled()},
	},
	{
		Name:        "object_post_upload",
		Description: "A browser-style POST with a signed policy stores the object and its metadata.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "object_post_expired_policy",
		Description: "A POST whose policy has expired is rejected with 403.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.KnownIssue(rules.PlatformBeatle)},
	},
	{
		Name:        "object_acl_invalid_bodies",
		Description: "Malformed access control policies are rejected with a client error.",
		Tags:        with(objectIO, rules.TagBucketAccess),
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "multipart_entity_too_small",
		Description: "Completing an upload whose first part is below the minimum fails with EntityTooSmall.",
		Tags:        objectIO,
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
	{
		Name:        "multipart_upload",
		Description: "Parts of the minimum size assemble into one object with a multipart ETag.",
		Tags:        with(objectIO, rules.TagLong),
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},

	// Authentication.
	{
		Name:        "auth_wrong_secret",
		Description: "A request signed with the wrong secret is rejected with SignatureDoesNotMatch.",
		Tags:        authTags,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "auth_unknown_access_key",
		Description: "A request signed with an unknown access key is rejected with InvalidAccessKeyId.",
		Tags:        authTags,
		Rules:       []rules.Rule{rules.Triage()},
	},
	{
		Name:        "auth_skewed_date",
		Description: "A request dated an hour ago is rejected with RequestTimeTooSkewed.",
		Tags:        authTags,
		Rules:       []rules.Rule{rules.Triage(), rules.KnownIssue(rules.PlatformGouda)},
	},
	{
		Name:        "auth_alt_user_denied",
		Description: "A second user cannot list a private bucket.",
		Tags:        with(authTags, rules.TagBucketAccess),
		Rules:       []rules.Rule{rules.Triage(), rules.NotSupported(rules.PlatformFakeS3)},
	},
}

// All returns every case in catalog order.
func All() []Case {
	return slices.Clone(cases)
}

func Lookup(name string) (Case, bool) {
	i := slices.IndexFunc(cases, func(c Case) bool { return c.Name == name })
	if i < 0 {
		return Case{}, false
	}
	return cases[i], true
}

// Must is Lookup for names known at compile time.
func Must(name string) Case {
	c, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("catalog: unknown case %q", name))
	}
	return c
}

// Select returns the cases env's tag filter selects, in catalog order.
func Select(env rules.Env) []Case {
	var out []Case
	for _, c := range cases {
		if env.Selected(c.Tags) {
			out = append(out, c)
		}
	}
	return out
}
