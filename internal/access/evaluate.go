package access

import "github.com/MarcoPoloResearchLab/docvault/internal/documents"

// Principal is the acting user. The zero value is the anonymous principal.
type Principal struct {
	ID           string
	Capabilities CapabilitySet
}

// Anonymous returns the unauthenticated principal.
func Anonymous() Principal {
	return Principal{}
}

// Authenticated reports whether the principal carries a user identity.
func (p Principal) Authenticated() bool {
	return p.ID != ""
}

func (p Principal) owns(document documents.Document) bool {
	return p.Authenticated() && p.ID == document.OwnerID
}

// Evaluate is the decision function over a resolved document. It has no side effects.
func Evaluate(policy ReadPolicy, principal Principal, action Action, document documents.Document) bool {
	caps := principal.Capabilities
	switch action {
	case ActionRead:
		return canRead(policy, principal, document)
	case ActionReadRevisions:
		return caps.Has(CapReadDocumentRevisions) && canRead(policy, principal, document)
	case ActionEdit:
		return canEdit(principal, document)
	case ActionDelete:
		if !caps.Has(CapDeleteDocuments) {
			return false
		}
		if !principal.owns(document) && !caps.Has(CapDeleteOthersDocuments) {
			return false
		}
		if document.Status == documents.VisibilityPublish {
			return caps.Has(CapDeletePublishedDocuments) || caps.Has(CapDeleteOthersDocuments)
		}
		return true
	case ActionPublish:
		return caps.Has(CapPublishDocuments)
	case ActionOverrideLock:
		return caps.Has(CapOverrideDocumentLock)
	default:
		return false
	}
}

func canRead(policy ReadPolicy, principal Principal, document documents.Document) bool {
	if document.Status == documents.VisibilityPublish {
		return true
	}
	if principal.owns(document) {
		return true
	}
	return principal.Capabilities.Has(policy.privateReadCapability())
}

func canEdit(principal Principal, document documents.Document) bool {
	caps := principal.Capabilities
	if !caps.Has(CapEditDocuments) {
		return false
	}
	return principal.owns(document) || caps.Has(CapEditOthersDocuments)
}
