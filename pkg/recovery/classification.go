package recovery

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// Classification says how each table is treated by dump and restore.
// Tables are copied in the order listed.
type Classification struct {
	// BestEffort tables are copied as far as possible; failures are logged.
	BestEffort []string `json:"best_effort" yaml:"best_effort"`
	// Flawless tables must copy every row or recovery fails.
	Flawless []string `json:"flawless" yaml:"flawless"`
	// Skipped tables are deliberately left behind.
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

const classificationSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"required": ["best_effort", "flawless"],
	"properties": {
		"best_effort": {"$ref": "#/definitions/tables"},
		"flawless": {"$ref": "#/definitions/tables"},
		"skipped": {"$ref": "#/definitions/tables"}
	},
	"definitions": {
		"tables": {
			"type": "array",
			"uniqueItems": true,
			"items": {"type": "string", "minLength": 1, "maxLength": 999}
		}
	}
}`

// DefaultClassification is the classification for the built-in schema.
// Referenced tables come before the tables that refer to them.
func DefaultClassification() Classification {
	return Classification{
		BestEffort: []string{
			storage.TableThread,
			storage.TableRecipient,
			storage.TableRecipientIdentity,
			storage.TableUserProfile,
			storage.TableSignalAccount,
			storage.TableInteraction,
			storage.TableReaction,
			storage.TableMention,
			storage.TableAttachment,
			storage.TableGroupMember,
			storage.TableStoryMessage,
			storage.TablePayment,
			storage.TableThreadAssociatedData,
			storage.TableDonationReceipt,
		},
		Flawless: []string{
			storage.TableKeyValue,
			storage.TableDisappearingMessagesConfig,
			storage.TableDevice,
		},
		Skipped: []string{
			storage.TableJobRecord,
			storage.TableMessageSendLog,
			storage.TableInteractionFTS,
			storage.TableRecipientFTS,
			storage.TableMediaGalleryItem,
		},
	}
}

// Validate checks that no table appears twice, in one list or across lists.
// Table name safety is checked separately when recovery starts.
func (c Classification) Validate() error {
	seen := make(map[string]string)
	lists := []struct {
		name   string
		tables []string
	}{
		{"best_effort", c.BestEffort},
		{"flawless", c.Flawless},
		{"skipped", c.Skipped},
	}
	for _, list := range lists {
		for _, table := range list.tables {
			if other, ok := seen[table]; ok {
				return fmt.Errorf("table %q is listed in both %s and %s", table, other, list.name)
			}
			seen[table] = list.name
		}
	}
	return nil
}

// UnitCount is the number of copy units, one per copied table.
func (c Classification) UnitCount() int64 {
	return int64(len(c.BestEffort) + len(c.Flawless))
}

// LoadClassification reads a YAML or JSON classification file, validates it
// against the classification schema and checks its lists are disjoint.
func LoadClassification(path string) (Classification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to read classification: %w", err)
	}
	return ParseClassification(data)
}

// ParseClassification is LoadClassification for in-memory data.
func ParseClassification(data []byte) (Classification, error) {
	var document interface{}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return Classification{}, fmt.Errorf("failed to parse classification: %w", err)
	}

	// Round-trip through JSON so the validator sees plain JSON types.
	asJSON, err := json.Marshal(document)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to encode classification: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(classificationSchema),
		gojsonschema.NewBytesLoader(asJSON),
	)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to validate classification: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Classification{}, fmt.Errorf("invalid classification: %v", problems)
	}

	var c Classification
	if err := json.Unmarshal(asJSON, &c); err != nil {
		return Classification{}, fmt.Errorf("failed to decode classification: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Classification{}, err
	}

	log.Debug().
		Int("best_effort", len(c.BestEffort)).
		Int("flawless", len(c.Flawless)).
		Int("skipped", len(c.Skipped)).
		Msg("Loaded table classification")
	return c, nil
}

// identifiers validates every copied table name. An unsafe name panics:
// these names are interpolated into SQL that touches every row.
func (c Classification) identifiers() (bestEffort, flawless []storage.SafeIdentifier) {
	for _, name := range c.BestEffort {
		bestEffort = append(bestEffort, storage.MustIdentifier(name))
	}
	for _, name := range c.Flawless {
		flawless = append(flawless, storage.MustIdentifier(name))
	}
	return bestEffort, flawless
}
