package documents

// Relation describes how a requester relates to a document.
type Relation string

const (
	RelationOwner        Relation = "owner"
	RelationCollaborator Relation = "collaborator"
	RelationPublic       Relation = "public"
	RelationNone         Relation = "none"
)

// Access is the permission set a requester holds on a document.
type Access struct {
	Relation Relation
	Read     bool
	Write    bool
	Manage   bool
	Delete   bool
}

// Evaluate computes the requester's access to the document. It performs no I/O.
func Evaluate(document Document, requester UserID) Access {
	switch {
	case requester != "" && requester == document.Owner:
		return Access{Relation: RelationOwner, Read: true, Write: true, Manage: true, Delete: true}
	case requester != "" && document.HasCollaborator(requester):
		return Access{Relation: RelationCollaborator, Read: true, Write: true}
	case document.IsPublic:
		return Access{Relation: RelationPublic, Read: true}
	default:
		return Access{Relation: RelationNone}
	}
}
