package domain

// Transcript is a lecture transcript returned by the transcript service.
type Transcript struct {
	PublicID string            `json:"public_id"`
	Title    string            `json:"title"`
	Summary  string            `json:"summary"`
	AudioURL string            `json:"audio_url,omitempty"`
	Chunks   []TranscriptChunk `json:"chunks"`
}

// TranscriptChunk is one indexed segment of a transcript.
type TranscriptChunk struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	StartSeconds float64 `json:"start_seconds,omitempty"`
}

// Chunk returns the chunk with the given index.
func (t *Transcript) Chunk(index int) (TranscriptChunk, bool) {
	for _, c := range t.Chunks {
		if c.Index == index {
			return c, true
		}
	}
	return TranscriptChunk{}, false
}
