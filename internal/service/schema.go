package service

import "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"

// ConversationSchema is the declared layout of the conversations index.
var ConversationSchema = docstore.Schema{
	Fields: map[string]docstore.FieldType{
		"conversationId":                    docstore.FieldKeyword,
		"username":                          docstore.FieldKeyword,
		"model":                             docstore.FieldKeyword,
		"clientIp":                          docstore.FieldKeyword,
		"messageIds":                        docstore.FieldKeyword,
		"riskAssessment.overall_risk_level": docstore.FieldKeyword,
		"firstMessageTime":                  docstore.FieldDate,
		"lastMessageTime":                   docstore.FieldDate,
		"createdAt":                         docstore.FieldDate,
		"updatedAt":                         docstore.FieldDate,
		"messageCount":                      docstore.FieldInteger,
		"firstQuestion":                     docstore.FieldText,
		"lastQuestion":                      docstore.FieldText,
	},
	Shards:   1,
	Replicas: 0,
}
