// Package chatobject defines the streamed chat event envelope and its closed
// set of payload variants.
package chatobject

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator carried in data.type.
type Type string

const (
	TypeTextDelta          Type = "text_delta"
	TypeTranscriptCitation Type = "transcript_citation"
	TypeWebSearchCitation  Type = "web_search_citation"
	TypeChatProgress       Type = "chat_progress"
	TypeChatTopic          Type = "chat_topic"
)

// SummaryChunkIndex marks a citation of the whole transcript (its summary)
// rather than a single chunk.
const SummaryChunkIndex = -1

var (
	// ErrMissingData is returned when an envelope has no data member.
	ErrMissingData = errors.New("chat object has no data")
	// ErrUnknownType is returned for a data.type outside the closed set.
	ErrUnknownType = errors.New("unknown chat object type")
)

// Variant is one of TextDelta, TranscriptCitation, WebSearchCitation,
// ChatProgress or ChatTopic. The set is closed: the unexported accept method
// keeps other packages from adding members.
type Variant interface {
	Type() Type
	accept(v Visitor)
}

// Visitor matches every variant. Adding a variant adds a method here, so every
// implementation stops compiling until it handles the new case.
type Visitor interface {
	VisitTextDelta(TextDelta)
	VisitTranscriptCitation(TranscriptCitation)
	VisitWebSearchCitation(WebSearchCitation)
	VisitChatProgress(ChatProgress)
	VisitChatTopic(ChatTopic)
}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Delta string `json:"delta"`
}

// TranscriptCitation references a chunk of a transcript, or the whole
// transcript when ChunkIndex is SummaryChunkIndex.
type TranscriptCitation struct {
	TranscriptID string `json:"transcript_id"`
	ChunkIndex   int    `json:"chunk_index"`
}

// WebSearchCitation references an external web page.
type WebSearchCitation struct {
	URL string `json:"url"`
}

// ChatProgress is a transient status line shown before content arrives.
type ChatProgress struct {
	Progress string `json:"progress"`
}

// ChatTopic carries the inferred conversation title.
type ChatTopic struct {
	Topic string `json:"chat_topic"`
}

func (TextDelta) Type() Type          { return TypeTextDelta }
func (TranscriptCitation) Type() Type { return TypeTranscriptCitation }
func (WebSearchCitation) Type() Type  { return TypeWebSearchCitation }
func (ChatProgress) Type() Type       { return TypeChatProgress }
func (ChatTopic) Type() Type          { return TypeChatTopic }

func (t TextDelta) accept(v Visitor)          { v.VisitTextDelta(t) }
func (t TranscriptCitation) accept(v Visitor) { v.VisitTranscriptCitation(t) }
func (t WebSearchCitation) accept(v Visitor)  { v.VisitWebSearchCitation(t) }
func (t ChatProgress) accept(v Visitor)       { v.VisitChatProgress(t) }
func (t ChatTopic) accept(v Visitor)          { v.VisitChatTopic(t) }

// MarshalJSON writes the variant together with its type discriminator.
func (t TextDelta) MarshalJSON() ([]byte, error) {
	type payload TextDelta
	return json.Marshal(struct {
		Type Type `json:"type"`
		payload
	}{TypeTextDelta, payload(t)})
}

// MarshalJSON writes the variant together with its type discriminator.
func (t TranscriptCitation) MarshalJSON() ([]byte, error) {
	type payload TranscriptCitation
	return json.Marshal(struct {
		Type Type `json:"type"`
		payload
	}{TypeTranscriptCitation, payload(t)})
}

// MarshalJSON writes the variant together with its type discriminator.
func (t WebSearchCitation) MarshalJSON() ([]byte, error) {
	type payload WebSearchCitation
	return json.Marshal(struct {
		Type Type `json:"type"`
		payload
	}{TypeWebSearchCitation, payload(t)})
}

// MarshalJSON writes the variant together with its type discriminator.
func (t ChatProgress) MarshalJSON() ([]byte, error) {
	type payload ChatProgress
	return json.Marshal(struct {
		Type Type `json:"type"`
		payload
	}{TypeChatProgress, payload(t)})
}

// MarshalJSON writes the variant together with its type discriminator.
func (t ChatTopic) MarshalJSON() ([]byte, error) {
	type payload ChatTopic
	return json.Marshal(struct {
		Type Type `json:"type"`
		payload
	}{TypeChatTopic, payload(t)})
}

// Object is the streamed envelope {"data": Variant}.
type Object struct {
	Data Variant
}

// Accept dispatches the payload to the matching visitor method.
func (o Object) Accept(v Visitor) {
	if o.Data != nil {
		o.Data.accept(v)
	}
}

// Type returns the payload discriminator, or "" for an empty envelope.
func (o Object) Type() Type {
	if o.Data == nil {
		return ""
	}
	return o.Data.Type()
}

// IsText reports whether the object is a text delta.
func (o Object) IsText() bool { return o.Type() == TypeTextDelta }

// IsCitation reports whether the object is a transcript or web citation.
func (o Object) IsCitation() bool {
	t := o.Type()
	return t == TypeTranscriptCitation || t == TypeWebSearchCitation
}

// IsProgress reports whether the object is a progress marker.
func (o Object) IsProgress() bool { return o.Type() == TypeChatProgress }

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type header struct {
	Type Type `json:"type"`
}

// MarshalJSON implements json.Marshaler.
func (o Object) MarshalJSON() ([]byte, error) {
	if o.Data == nil {
		return nil, ErrMissingData
	}
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", o.Data.Type(), err)
	}
	return json.Marshal(envelope{Data: data})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown discriminators and
// envelopes without data are rejected.
func (o *Object) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrMissingData
	}

	var h header
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return fmt.Errorf("decode chat object header: %w", err)
	}

	var (
		v   Variant
		err error
	)
	switch h.Type {
	case TypeTextDelta:
		var p TextDelta
		err = json.Unmarshal(env.Data, &p)
		v = p
	case TypeTranscriptCitation:
		var p TranscriptCitation
		err = json.Unmarshal(env.Data, &p)
		v = p
	case TypeWebSearchCitation:
		var p WebSearchCitation
		err = json.Unmarshal(env.Data, &p)
		v = p
	case TypeChatProgress:
		var p ChatProgress
		err = json.Unmarshal(env.Data, &p)
		v = p
	case TypeChatTopic:
		var p ChatTopic
		err = json.Unmarshal(env.Data, &p)
		v = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", h.Type, err)
	}

	o.Data = v
	return nil
}

// Text builds a text delta envelope.
func Text(delta string) Object { return Object{Data: TextDelta{Delta: delta}} }

// Transcript builds a transcript citation envelope.
func Transcript(transcriptID string, chunkIndex int) Object {
	return Object{Data: TranscriptCitation{TranscriptID: transcriptID, ChunkIndex: chunkIndex}}
}

// Web builds a web search citation envelope.
func Web(url string) Object { return Object{Data: WebSearchCitation{URL: url}} }

// Progress builds a progress envelope.
func Progress(progress string) Object { return Object{Data: ChatProgress{Progress: progress}} }

// Topic builds a topic envelope.
func Topic(topic string) Object { return Object{Data: ChatTopic{Topic: topic}} }
