package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var decisionsBucket = []byte("decisions")
var approvalsBucket = []byte("approvals")

// DecisionRecord is the audit trail entry for one evaluated command.
type DecisionRecord struct {
	Command  string    `json:"command"`
	Exe      string    `json:"exe"`
	Dir      string    `json:"dir,omitempty"`
	Caller   string    `json:"caller,omitempty"`
	RuleName string    `json:"rule_name,omitempty"`
	Action   string    `json:"action"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// ApprovalRecord keeps approval outcomes distinct from decisions so a
// timeout stays distinguishable from an explicit denial.
type ApprovalRecord struct {
	ID         string    `json:"id"`
	RuleName   string    `json:"rule_name"`
	Outcome    string    `json:"outcome"`
	Remembered bool      `json:"remembered,omitempty"`
	At         time.Time `json:"at"`
}

// Log is the append-only bbolt audit store.
type Log struct {
	db *bolt.DB
}

func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory failed: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit log failed: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, createErr := tx.CreateBucketIfNotExists(decisionsBucket); createErr != nil {
			return createErr
		}
		_, createErr := tx.CreateBucketIfNotExists(approvalsBucket)
		return createErr
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// OpenReadOnly opens an existing audit log for inspection without taking the
// writer lock away from a running daemon for longer than the open itself.
func OpenReadOnly(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open audit log failed: %w", err)
	}
	return &Log{db: db}, nil
}

func (log *Log) Close() error {
	if log == nil || log.db == nil {
		return nil
	}
	return log.db.Close()
}

func (log *Log) RecordDecision(record DecisionRecord) error {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	return log.append(decisionsBucket, record)
}

func (log *Log) RecordApproval(record ApprovalRecord) error {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	return log.append(approvalsBucket, record)
}

// ApprovalResolved implements the approval manager's auditor hook.
func (log *Log) ApprovalResolved(id string, ruleName string, outcome string, remembered bool) {
	_ = log.RecordApproval(ApprovalRecord{
		ID:         id,
		RuleName:   ruleName,
		Outcome:    outcome,
		Remembered: remembered,
	})
}

func (log *Log) append(bucketName []byte, record any) error {
	return log.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		sequence, sequenceErr := bucket.NextSequence()
		if sequenceErr != nil {
			return sequenceErr
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, sequence)
		payload, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			return marshalErr
		}
		return bucket.Put(key, payload)
	})
}

// RecentDecisions returns up to limit decision records, newest first.
func (log *Log) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	result := make([]DecisionRecord, 0, limit)
	err := log.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(decisionsBucket).Cursor()
		for key, value := cursor.Last(); key != nil && len(result) < limit; key, value = cursor.Prev() {
			record := DecisionRecord{}
			if decodeErr := json.Unmarshal(value, &record); decodeErr != nil {
				continue
			}
			result = append(result, record)
		}
		return nil
	})
	return result, err
}

// RecentApprovals returns up to limit approval records, newest first.
func (log *Log) RecentApprovals(limit int) ([]ApprovalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	result := make([]ApprovalRecord, 0, limit)
	err := log.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(approvalsBucket).Cursor()
		for key, value := cursor.Last(); key != nil && len(result) < limit; key, value = cursor.Prev() {
			record := ApprovalRecord{}
			if decodeErr := json.Unmarshal(value, &record); decodeErr != nil {
				continue
			}
			result = append(result, record)
		}
		return nil
	})
	return result, err
}
