package specdir

import (
	"encoding/json"
	"fmt"
	"time"
)

// maxTaskLogEntries caps the rolling task log. Oldest entries roll off.
const maxTaskLogEntries = 500

// TaskMetadata carries per-task settings written once at task start.
type TaskMetadata struct {
	BaseBranch string `json:"baseBranch,omitempty"`
}

// ReadTaskMetadata returns the task metadata, or the zero value when the file
// does not exist yet.
func (d *Dir) ReadTaskMetadata() (TaskMetadata, error) {
	var meta TaskMetadata
	if !d.Exists(MetadataFile) {
		return meta, nil
	}
	data, err := d.Read(MetadataFile)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	return meta, nil
}

// WriteTaskMetadata writes the task metadata atomically.
func (d *Dir) WriteTaskMetadata(meta TaskMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", MetadataFile, err)
	}
	return d.WriteAtomic(MetadataFile, append(data, '\n'))
}

// TaskLogEntry is one line of the rolling task log.
type TaskLogEntry struct {
	Time   time.Time `json:"ts"`
	Phase  string    `json:"phase,omitempty"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// AppendTaskLog appends one entry to the rolling log and rewrites the file
// atomically. A corrupt or missing log starts fresh rather than failing the
// append.
func (d *Dir) AppendTaskLog(entry TaskLogEntry) error {
	entries, _ := d.ReadTaskLog()
	entries = append(entries, entry)
	if len(entries) > maxTaskLogEntries {
		entries = entries[len(entries)-maxTaskLogEntries:]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", TaskLogFile, err)
	}
	return d.WriteAtomic(TaskLogFile, append(data, '\n'))
}

// ReadTaskLog returns the task log entries, empty when absent.
func (d *Dir) ReadTaskLog() ([]TaskLogEntry, error) {
	if !d.Exists(TaskLogFile) {
		return nil, nil
	}
	data, err := d.Read(TaskLogFile)
	if err != nil {
		return nil, err
	}
	var entries []TaskLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", TaskLogFile, err)
	}
	return entries, nil
}
