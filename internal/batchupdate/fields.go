package batchupdate

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
)

// Staged field names. They double as the JSON names accepted at ingress.
const (
	FieldTitle          = "title"
	FieldNote           = "note"
	FieldURL            = "url"
	FieldExcerpt        = "excerpt"
	FieldFaviconURL     = "faviconUrl"
	FieldCollectionName = "collectionName"
	FieldTagNames       = "tagNames"
)

// UpdateRequest is one partial update. Nil fields are not staged. A non-nil
// empty TagNames stages an empty tag set.
type UpdateRequest struct {
	ResourceID     string
	Credential     string
	Title          *string
	Note           *string
	URL            *string
	Excerpt        *string
	CollectionName *string
	TagNames       []string
	FaviconURL     *string
}

// stagedFields flattens the request into field/value pairs.
func (r UpdateRequest) stagedFields() (map[string]string, error) {
	fields := make(map[string]string, 7)
	scalars := map[string]*string{
		FieldTitle:          r.Title,
		FieldNote:           r.Note,
		FieldURL:            r.URL,
		FieldExcerpt:        r.Excerpt,
		FieldCollectionName: r.CollectionName,
		FieldFaviconURL:     r.FaviconURL,
	}
	for name, value := range scalars {
		if value != nil {
			fields[name] = *value
		}
	}
	if r.TagNames != nil {
		encoded, err := json.Marshal(r.TagNames)
		if err != nil {
			return nil, err
		}
		fields[FieldTagNames] = string(encoded)
	}
	return fields, nil
}

// buildPatch converts coalesced staged fields into a bookmark patch. Unknown
// fields are ignored.
func buildPatch(fields map[string]string) (bookmarks.Patch, error) {
	var patch bookmarks.Patch
	for name, value := range fields {
		switch name {
		case FieldTitle:
			patch.Title = &value
		case FieldNote:
			patch.Note = &value
		case FieldURL:
			patch.URL = &value
		case FieldExcerpt:
			patch.Excerpt = &value
		case FieldFaviconURL:
			patch.FaviconURL = &value
		case FieldCollectionName:
			patch.CollectionName = &value
		case FieldTagNames:
			tagNames := []string{}
			if err := json.Unmarshal([]byte(value), &tagNames); err != nil {
				return bookmarks.Patch{}, fmt.Errorf("%w: malformed %s: %v", ErrApply, FieldTagNames, err)
			}
			if tagNames == nil {
				tagNames = []string{}
			}
			patch.TagNames = tagNames
			patch.SetTags = true
		}
	}
	return patch, nil
}
