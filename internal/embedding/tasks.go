package embedding

// Task type selection for the knowledge base. Identifier documents are
// indexed once and searched many times, so the two sides of the retrieval
// use different GenAI task types. Ollama models ignore the task type.

// TaskForDocument returns the task type for indexing identifier documents.
func TaskForDocument() string {
	return "RETRIEVAL_DOCUMENT"
}

// TaskForQuery returns the task type for user search queries.
func TaskForQuery(question bool) string {
	if question {
		return "QUESTION_ANSWERING"
	}
	return "RETRIEVAL_QUERY"
}
