package access

import (
	"sort"
	"strings"
)

// Capability is a closed set of permission grants a principal may hold.
type Capability uint16

const (
	CapReadPrivatePosts Capability = 1 << iota
	CapReadPrivateDocuments
	CapReadDocumentRevisions
	CapEditDocuments
	CapEditOthersDocuments
	CapDeleteDocuments
	CapDeleteOthersDocuments
	CapDeletePublishedDocuments
	CapPublishDocuments
	CapOverrideDocumentLock
)

var capabilityNames = map[Capability]string{
	CapReadPrivatePosts:         "read_private_posts",
	CapReadPrivateDocuments:     "read_private_documents",
	CapReadDocumentRevisions:    "read_document_revisions",
	CapEditDocuments:            "edit_documents",
	CapEditOthersDocuments:      "edit_others_documents",
	CapDeleteDocuments:          "delete_documents",
	CapDeleteOthersDocuments:    "delete_others_documents",
	CapDeletePublishedDocuments: "delete_published_documents",
	CapPublishDocuments:         "publish_documents",
	CapOverrideDocumentLock:     "override_document_lock",
}

var capabilitiesByName = func() map[string]Capability {
	index := make(map[string]Capability, len(capabilityNames))
	for capability, name := range capabilityNames {
		index[name] = capability
	}
	return index
}()

// String returns the identity-store name of the capability.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return "unknown"
}

// CapabilitySet is a bitmask of capabilities.
type CapabilitySet uint16

// NewCapabilitySet builds a set from the provided capabilities.
func NewCapabilitySet(capabilities ...Capability) CapabilitySet {
	var set CapabilitySet
	for _, capability := range capabilities {
		set |= CapabilitySet(capability)
	}
	return set
}

// ParseCapabilities translates identity-store capability names. Names this engine does not
// consume are ignored.
func ParseCapabilities(names []string) CapabilitySet {
	var set CapabilitySet
	for _, name := range names {
		if capability, ok := capabilitiesByName[strings.ToLower(strings.TrimSpace(name))]; ok {
			set |= CapabilitySet(capability)
		}
	}
	return set
}

// Has reports whether the set grants the capability.
func (s CapabilitySet) Has(capability Capability) bool {
	return s&CapabilitySet(capability) != 0
}

// With returns a copy of the set that also grants the capabilities.
func (s CapabilitySet) With(capabilities ...Capability) CapabilitySet {
	return s | NewCapabilitySet(capabilities...)
}

// Names lists the granted capability names in lexical order.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for capability, name := range capabilityNames {
		if s.Has(capability) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
