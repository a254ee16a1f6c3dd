package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
)

// Chunk metadata keys.
const (
	MetaID               = "id"
	MetaAssetID          = "asset_id"
	MetaKnowledgeBaseID  = "knowledge_base_id"
	MetaChunkOrder       = "chunk_order"
	MetaDocumentName     = "document_name"
	MetaSourcePath       = "source_path"
	MetaPageNum          = "page_num"
	MetaContentType      = "content_type"
	MetaContentID        = "content_id"
	MetaImageDescription = "image_description"
	MetaSurroundingText  = "surrounding_text"
)

// FilePrefixLength is the length of the random token prepended to stored
// file names, excluding the separating underscore.
const FilePrefixLength = 12

type KnowledgeBase struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	DirPath   string    `json:"dir_path" bson:"dir_path"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type Asset struct {
	ID              string    `json:"id" bson:"_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id" bson:"knowledge_base_id"`
	Path            string    `json:"path" bson:"path"`
	ContentType     string    `json:"content_type" bson:"content_type"`
	Name            string    `json:"name" bson:"name"`
	Size            int64     `json:"size" bson:"size"`
	ContentHash     string    `json:"content_hash" bson:"content_hash"`
	UploadedAt      time.Time `json:"uploaded_at" bson:"uploaded_at"`
}

type Chunk struct {
	ID              string         `json:"id" bson:"_id"`
	KnowledgeBaseID string         `json:"knowledge_base_id" bson:"knowledge_base_id"`
	AssetID         string         `json:"asset_id" bson:"asset_id"`
	Order           int            `json:"chunk_order" bson:"chunk_order"`
	Text            string         `json:"text" bson:"text"`
	Metadata        map[string]any `json:"metadata" bson:"metadata"`
}

// RetrievedDocument is the common result shape of every retrieval path.
// Scores are comparable only within the path that produced them.
type RetrievedDocument struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// NewID returns a fresh 12-byte object id in hex form.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// IsValidID reports whether id is a 24-character hex object id.
func IsValidID(id string) bool {
	return primitive.IsValidObjectID(id)
}

const forbiddenNameChars = `/\:*?"<>|`

// NormalizeKnowledgeBaseName validates a knowledge base name and returns its
// canonical lowercase form.
func NormalizeKnowledgeBaseName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name must not be blank")
	}
	for _, r := range name {
		if r > unicode.MaxASCII {
			return "", fmt.Errorf("name must contain only ASCII characters")
		}
		if strings.ContainsRune(forbiddenNameChars, r) {
			return "", fmt.Errorf("name must not contain any of %s", forbiddenNameChars)
		}
	}
	return strings.ToLower(name), nil
}

var unsafeFileChars = regexp.MustCompile(`[^\w.]`)

// SanitizeFileName keeps word characters and dots, turning spaces into
// underscores.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	return unsafeFileChars.ReplaceAllString(name, "")
}

// RandomFilePrefix returns a FilePrefixLength-character token for stored file
// names.
func RandomFilePrefix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:FilePrefixLength]
}

// DocumentName recovers the logical document name from a stored file name by
// dropping the random prefix and its underscore.
func DocumentName(storedPath string) string {
	base := filepath.Base(storedPath)
	if len(base) > FilePrefixLength+1 && base[FilePrefixLength] == '_' {
		return base[FilePrefixLength+1:]
	}
	return base
}
