package chat

import "time"

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// SourceDocument is a citation attached to a bot answer.
type SourceDocument struct {
	ID      string
	Title   string
	Content string
}

// Message is one conversation turn. Messages are never modified after they are
// appended to a MessageStore.
type Message struct {
	ID        string
	Content   string
	Sender    Sender
	CreatedAt time.Time
	Sources   []SourceDocument
}

// StageStatus is the state of one pipeline stage in a snapshot.
type StageStatus string

const (
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
)

// Stage is one line of the progress indicator. Detail is only set once the
// stage is completed.
type Stage struct {
	ID     string
	Status StageStatus
	Title  string
	Detail string
}

func cloneSources(sources []SourceDocument) []SourceDocument {
	if sources == nil {
		return nil
	}
	return append([]SourceDocument(nil), sources...)
}

func cloneMessage(msg Message) Message {
	msg.Sources = cloneSources(msg.Sources)
	return msg
}

func cloneStages(stages []Stage) []Stage {
	if len(stages) == 0 {
		return nil
	}
	return append([]Stage(nil), stages...)
}
