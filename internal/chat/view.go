package chat

import (
	"strconv"
	"strings"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
)

// Citation is a numbered source reference shown beneath an answer.
type Citation struct {
	Number int               `json:"number"`
	Source chatobject.Object `json:"source"`
}

// Display is what a message renders as at a point in time.
type Display struct {
	// Text holds the concatenated deltas with [n] markers where each
	// citation arrived.
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	// Progress is the latest progress line, set only while neither text
	// nor citations exist.
	Progress string `json:"progress,omitempty"`
	// Thinking is true until the first text delta.
	Thinking bool   `json:"thinking"`
	Topic    string `json:"topic,omitempty"`
}

// Compose renders message content.
func Compose(content []chatobject.Object) Display {
	c := composer{numbers: make(map[string]int)}
	for _, obj := range content {
		obj.Accept(&c)
	}

	d := Display{
		Text:      c.text.String(),
		Citations: c.citations,
		Thinking:  !c.hasText,
		Topic:     c.topic,
	}
	if !c.hasText && len(c.citations) == 0 {
		d.Progress = c.progress
	}
	return d
}

type composer struct {
	text      strings.Builder
	hasText   bool
	citations []Citation
	numbers   map[string]int
	progress  string
	topic     string
}

func (c *composer) VisitTextDelta(d chatobject.TextDelta) {
	c.hasText = true
	c.text.WriteString(d.Delta)
}

func (c *composer) VisitTranscriptCitation(t chatobject.TranscriptCitation) {
	c.cite("transcript:"+t.TranscriptID+"#"+strconv.Itoa(t.ChunkIndex), chatobject.Object{Data: t})
}

func (c *composer) VisitWebSearchCitation(w chatobject.WebSearchCitation) {
	c.cite("web:"+w.URL, chatobject.Object{Data: w})
}

func (c *composer) VisitChatProgress(p chatobject.ChatProgress) { c.progress = p.Progress }

func (c *composer) VisitChatTopic(t chatobject.ChatTopic) { c.topic = t.Topic }

func (c *composer) cite(key string, source chatobject.Object) {
	n, ok := c.numbers[key]
	if !ok {
		n = len(c.citations) + 1
		c.numbers[key] = n
		c.citations = append(c.citations, Citation{Number: n, Source: source})
	}
	c.text.WriteString("[" + strconv.Itoa(n) + "]")
}
