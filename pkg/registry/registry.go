// Package registry is the local provider's job index: a small bbolt
// database mapping job ids to their workspace directories and labels so
// status and cancel operations from another process can find them
// without scanning the workspace root.
package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs = []byte("jobs")
)

// JobRecord is one indexed job.
type JobRecord struct {
	JobID      string            `json:"job_id"`
	JobName    string            `json:"job_name"`
	UserID     string            `json:"user_id"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreateTime time.Time         `json:"create_time"`
	Workspace  string            `json:"workspace"`
	TaskIDs    []string          `json:"task_ids,omitempty"`
}

// Registry is a BoltDB-backed job index
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if needed) the index under the workspace root.
func Open(workspaceRoot string) (*Registry, error) {
	dbPath := filepath.Join(workspaceRoot, "jobs.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJobs); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketJobs, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

// Close closes the database
func (r *Registry) Close() error {
	return r.db.Close()
}

// PutJob inserts or updates a job record
func (r *Registry) PutJob(rec *JobRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.JobID), data)
	})
}

// GetJob fetches a job record by id
func (r *Registry) GetJob(jobID string) (*JobRecord, error) {
	var rec JobRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListJobs returns every indexed job
func (r *Registry) ListJobs() ([]*JobRecord, error) {
	var recs []*JobRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteJob removes a job record
func (r *Registry) DeleteJob(jobID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
}
