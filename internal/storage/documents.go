package storage

import (
	"context"
	"fmt"
)

func (s *Store) SaveDocument(ctx context.Context, d KnowledgeDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (doc_id, subject_id, topic_id, doc_name, uploaded_by, chunk_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DocID, d.SubjectID, d.TopicID, d.DocName, d.UploadedBy, d.ChunkCount, d.SizeBytes, formatTime(d.CreatedAt),
	)
	return err
}

// ListDocuments returns documents newest first, optionally scoped to a
// subject and topic.
func (s *Store) ListDocuments(ctx context.Context, subjectID, topicID string) ([]KnowledgeDocument, error) {
	var w whereClause
	if subjectID != "" {
		w.add("subject_id = ?", subjectID)
	}
	if topicID != "" {
		w.add("topic_id = ?", topicID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, subject_id, topic_id, doc_name, uploaded_by, chunk_count, size_bytes, created_at
		FROM knowledge_documents`+w.String()+` ORDER BY created_at DESC, doc_id ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeDocument
	for rows.Next() {
		var d KnowledgeDocument
		var createdAt string
		if err := rows.Scan(&d.DocID, &d.SubjectID, &d.TopicID, &d.DocName, &d.UploadedBy, &d.ChunkCount, &d.SizeBytes, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for document %s: %w", d.DocID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
