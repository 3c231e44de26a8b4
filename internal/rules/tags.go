package rules

import "slices"

// Tag labels the component a case exercises, or its duration.
type Tag string

const (
	TagAuth           Tag = "auth"
	TagBucketMgmt     Tag = "bucketmgmt"
	TagBucketAccess   Tag = "bucketaccess"
	TagControlPlane   Tag = "controlplane"
	TagDataPlane      Tag = "dataplane"
	TagObjectIO       Tag = "objectio"
	TagObjectUserMgmt Tag = "objectusermgmt"
	TagKeyMgmt        Tag = "keymgmt"
	TagSecretKeyMgmt  Tag = "secretkeymgmt"
	TagVersion        Tag = "version"

	// TagLong marks cases that take more than about thirty seconds.
	TagLong Tag = "long"
)

// Selected reports whether a case tagged with tags passes the Env's tag
// filter: every requested tag must be present. An empty filter selects all.
func (e Env) Selected(tags []Tag) bool {
	for _, want := range e.Tags {
		if !slices.Contains(tags, want) {
			return false
		}
	}
	return true
}
