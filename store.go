package wikisync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// well-known tiddler fields
const (
	FieldTitle             = "title"
	FieldCreated           = "created"
	FieldModified          = "modified"
	FieldOriginalTitle     = "original-title"
	FieldConflictTimestamp = "conflict-timestamp"
	FieldProvenance        = "provenance"
)

const ProvenanceRemote = "remote"

// conflict records are namespaced under the original title inside this prefix
const ConflictTitlePrefix = "$:/conflicts/"

// the engine's own configuration namespace inside the store
const ConfigTitlePrefix = "$:/config/wikisync/"

// field map of one tiddler. list and date values are carried in their string forms
type TiddlerFields map[string]string

func (self TiddlerFields) Clone() TiddlerFields {
	fields := TiddlerFields{}
	for name, value := range self {
		fields[name] = value
	}
	return fields
}

type TiddlerChange struct {
	Deleted bool
}

// delivered asynchronously after store mutations, batched per mutation pass
type ChangeListener func(changes map[string]TiddlerChange)

// the host content store. mutations are synchronous,
// change notifications are asynchronous (see `ChangeListener`)
type WikiStore interface {
	// titles of locally held tiddlers. pure shadows are not enumerated
	AllTitles() []string
	// the fields of a tiddler, falling back to its shadow definition
	Get(title string) (TiddlerFields, bool)
	// whether a locally held (non-shadow) tiddler exists
	Exists(title string) bool
	Put(title string, fields TiddlerFields)
	Delete(title string)
	// single fields of the engine's configuration namespace
	GetConfigField(name string) string
	SetConfigField(name string, value string)
	AddChangeListener(listener ChangeListener) int
	RemoveChangeListener(listenerId int)
	// request a persist of the whole replica.
	// only meaningful for standalone file replicas
	RequestSave()
}

// exclusion rules

var excludedTitlePrefixes = []string{
	"$:/state/",
	"$:/temp/",
	"$:/status/",
	ConflictTitlePrefix,
	ConfigTitlePrefix,
	"Draft of '",
}

var excludedTitles = []string{
	"$:/StoryList",
	"$:/HistoryList",
	"$:/Import",
}

// whether a title participates in sync at all.
// excluded titles never appear in outbound messages, inbound application, or fingerprints
func SyncableTitle(title string) bool {
	for _, excluded := range excludedTitles {
		if title == excluded {
			return false
		}
	}
	for _, prefix := range excludedTitlePrefixes {
		if strings.HasPrefix(title, prefix) {
			return false
		}
	}
	return true
}

func ConflictTitle(originalTitle string, stamp string) string {
	return fmt.Sprintf("%s%s/%s", ConflictTitlePrefix, originalTitle, stamp)
}

// timestamps

// 17 digit UTC form YYYYMMDDhhmmssxxx.
// lexicographic order of two stamps equals their chronological order
func formatStamp(t time.Time) string {
	u := t.UTC()
	return u.Format("20060102150405") + fmt.Sprintf("%03d", u.Nanosecond()/1000000)
}

func parseStamp(value string) (time.Time, bool) {
	switch len(value) {
	case 17:
		if t, err := time.ParseInLocation("20060102150405", value[0:14], time.UTC); err == nil {
			var millis int
			if _, err := fmt.Sscanf(value[14:17], "%03d", &millis); err == nil {
				return t.Add(time.Duration(millis) * time.Millisecond), true
			}
		}
	case 14:
		if t, err := time.ParseInLocation("20060102150405", value, time.UTC); err == nil {
			return t, true
		}
	case 8:
		if t, err := time.ParseInLocation("20060102", value, time.UTC); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalizes any recognized date representation to the sortable 17 digit form.
// unrecognized values pass through raw, which keeps comparison stable
func normalizeStamp(value string) string {
	if t, ok := parseStamp(value); ok {
		return formatStamp(t)
	}
	return value
}

// tiddler serialization

func marshalTiddler(fields TiddlerFields) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTiddler(tiddlerJson string) (TiddlerFields, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(tiddlerJson), &raw); err != nil {
		return nil, err
	}
	fields := TiddlerFields{}
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			fields[name] = v
		case float64:
			fields[name] = fmt.Sprintf("%v", v)
		case bool:
			fields[name] = fmt.Sprintf("%v", v)
		case nil:
			fields[name] = ""
		default:
			// lists arrive as their string form. anything else is malformed
			return nil, fmt.Errorf("field %s has unsupported type %T", name, value)
		}
	}
	return fields, nil
}

// diff rule for an incoming change.
// not-different only if the local tiddler exists, its modified value string-equals
// the incoming one after normalization, every other incoming field string-equals
// the local field, and the local tiddler has no extra fields beyond created/modified
// that are absent from the incoming set
func fieldsDiffer(local TiddlerFields, incoming TiddlerFields) bool {
	if local == nil {
		return true
	}
	if normalizeStamp(local[FieldModified]) != normalizeStamp(incoming[FieldModified]) {
		return true
	}
	for name, incomingValue := range incoming {
		if name == FieldModified {
			continue
		}
		localValue, ok := local[name]
		if !ok {
			return true
		}
		if name == FieldCreated {
			if normalizeStamp(localValue) != normalizeStamp(incomingValue) {
				return true
			}
		} else if localValue != incomingValue {
			return true
		}
	}
	for name := range local {
		if name == FieldCreated || name == FieldModified {
			continue
		}
		if _, ok := incoming[name]; !ok {
			return true
		}
	}
	return false
}
