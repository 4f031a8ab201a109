package wikisync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// wire message types exchanged between replicas.
// the envelope shape is fixed by the peer protocol and cannot change:
// {type, wiki_id, title?, tiddler_json?, to_device_id?, from_device_id?, fingerprints?, filename?}

type MessageType string

const (
	MessageTypeApplyChange         MessageType = "apply-change"
	MessageTypeApplyDeletion       MessageType = "apply-deletion"
	MessageTypeConflict            MessageType = "conflict"
	MessageTypeDumpTiddlers        MessageType = "dump-tiddlers"
	MessageTypeSendFingerprints    MessageType = "send-fingerprints"
	MessageTypeCompareFingerprints MessageType = "compare-fingerprints"
	MessageTypeAttachmentReceived  MessageType = "attachment-received"
)

// lightweight digest of one tiddler.
// `Modified` is normalized so that lexicographic order equals chronological order
type Fingerprint struct {
	Title    string `json:"title"`
	Modified string `json:"modified"`
}

// closed sum type with one variant per wire message kind
type Message interface {
	MessageType() MessageType
}

type ApplyChange struct {
	Title       string
	TiddlerJson string
}

func (self *ApplyChange) MessageType() MessageType {
	return MessageTypeApplyChange
}

type ApplyDeletion struct {
	Title string
}

func (self *ApplyDeletion) MessageType() MessageType {
	return MessageTypeApplyDeletion
}

// notification from the peer coordinator that a concurrent edit occurred.
// the engine only reacts to this message, it never decides conflicts itself
type Conflict struct {
	Title       string
	TiddlerJson string
}

func (self *Conflict) MessageType() MessageType {
	return MessageTypeConflict
}

// request for a full unconditional resend, addressed to ToDeviceId
type DumpTiddlers struct {
	ToDeviceId   Id
	FromDeviceId Id
}

func (self *DumpTiddlers) MessageType() MessageType {
	return MessageTypeDumpTiddlers
}

// request for the receiver's fingerprint set, addressed to ToDeviceId
type SendFingerprints struct {
	ToDeviceId   Id
	FromDeviceId Id
}

func (self *SendFingerprints) MessageType() MessageType {
	return MessageTypeSendFingerprints
}

// the sender's fingerprint set. the receiver diffs it against its own store
type CompareFingerprints struct {
	FromDeviceId Id
	Fingerprints []Fingerprint
}

func (self *CompareFingerprints) MessageType() MessageType {
	return MessageTypeCompareFingerprints
}

type AttachmentReceived struct {
	Filename string
}

func (self *AttachmentReceived) MessageType() MessageType {
	return MessageTypeAttachmentReceived
}

var ErrWikiMismatch = errors.New("message wiki_id does not match the active session")

type messageEnvelope struct {
	Type         MessageType   `json:"type"`
	WikiId       Id            `json:"wiki_id"`
	Title        string        `json:"title,omitempty"`
	TiddlerJson  string        `json:"tiddler_json,omitempty"`
	ToDeviceId   *Id           `json:"to_device_id,omitempty"`
	FromDeviceId *Id           `json:"from_device_id,omitempty"`
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`
	Filename     string        `json:"filename,omitempty"`
}

func toEnvelope(wikiId Id, message Message) (*messageEnvelope, error) {
	envelope := &messageEnvelope{
		Type:   message.MessageType(),
		WikiId: wikiId,
	}
	switch v := message.(type) {
	case *ApplyChange:
		envelope.Title = v.Title
		envelope.TiddlerJson = v.TiddlerJson
	case *ApplyDeletion:
		envelope.Title = v.Title
	case *Conflict:
		envelope.Title = v.Title
		envelope.TiddlerJson = v.TiddlerJson
	case *DumpTiddlers:
		toDeviceId := v.ToDeviceId
		envelope.ToDeviceId = &toDeviceId
		if (v.FromDeviceId != Id{}) {
			fromDeviceId := v.FromDeviceId
			envelope.FromDeviceId = &fromDeviceId
		}
	case *SendFingerprints:
		toDeviceId := v.ToDeviceId
		envelope.ToDeviceId = &toDeviceId
		if (v.FromDeviceId != Id{}) {
			fromDeviceId := v.FromDeviceId
			envelope.FromDeviceId = &fromDeviceId
		}
	case *CompareFingerprints:
		fromDeviceId := v.FromDeviceId
		envelope.FromDeviceId = &fromDeviceId
		envelope.Fingerprints = v.Fingerprints
	case *AttachmentReceived:
		envelope.Filename = v.Filename
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	return envelope, nil
}

func fromEnvelope(envelope *messageEnvelope) (Message, error) {
	switch envelope.Type {
	case MessageTypeApplyChange:
		return &ApplyChange{
			Title:       envelope.Title,
			TiddlerJson: envelope.TiddlerJson,
		}, nil
	case MessageTypeApplyDeletion:
		return &ApplyDeletion{
			Title: envelope.Title,
		}, nil
	case MessageTypeConflict:
		return &Conflict{
			Title:       envelope.Title,
			TiddlerJson: envelope.TiddlerJson,
		}, nil
	case MessageTypeDumpTiddlers:
		message := &DumpTiddlers{}
		if envelope.ToDeviceId != nil {
			message.ToDeviceId = *envelope.ToDeviceId
		}
		if envelope.FromDeviceId != nil {
			message.FromDeviceId = *envelope.FromDeviceId
		}
		return message, nil
	case MessageTypeSendFingerprints:
		message := &SendFingerprints{}
		if envelope.ToDeviceId != nil {
			message.ToDeviceId = *envelope.ToDeviceId
		}
		if envelope.FromDeviceId != nil {
			message.FromDeviceId = *envelope.FromDeviceId
		}
		return message, nil
	case MessageTypeCompareFingerprints:
		message := &CompareFingerprints{
			Fingerprints: envelope.Fingerprints,
		}
		if envelope.FromDeviceId != nil {
			message.FromDeviceId = *envelope.FromDeviceId
		}
		return message, nil
	case MessageTypeAttachmentReceived:
		return &AttachmentReceived{
			Filename: envelope.Filename,
		}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", envelope.Type)
	}
}

func EncodeMessage(wikiId Id, message Message) ([]byte, error) {
	envelope, err := toEnvelope(wikiId, message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

// decodes one wire envelope.
// returns `ErrWikiMismatch` when the envelope belongs to another wiki
func DecodeMessage(wikiId Id, b []byte) (Message, error) {
	envelope := &messageEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.WikiId != wikiId {
		return nil, ErrWikiMismatch
	}
	return fromEnvelope(envelope)
}
