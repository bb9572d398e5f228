package models

func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&Document{},
		&Entity{},
		&DocumentEntityLink{},
		&AuthorityGrant{},
		&KnowledgeGap{},
		&GapOccurrence{},
		&GapCandidate{},
		&DuplicateCandidate{},
		&ScanState{},
		&CorrectionRule{},
		&CorrectionQueueItem{},
		&CorrectionAuditLog{},
		&ReviewQueueItem{},
		&ProcessingLog{},
	}
}
