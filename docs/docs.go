// Package docs holds the OpenAPI document served under /swagger.
//
// Regenerate after changing handler annotations:
//
//	swag init -g cmd/chatsync/main.go -o docs --parseInternal
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/threads": {
            "get": {"tags": ["Threads"], "summary": "List threads (paginated)", "operationId": "listThreads", "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListThreadsResponse"}}, "304": {"description": "Not Modified"}}},
            "post": {"tags": ["Threads"], "summary": "Create a new thread", "operationId": "createThread", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateThreadRequest"}}],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Thread"}}, "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}}}
        },
        "/search": {
            "get": {"tags": ["Threads"], "summary": "Search threads", "operationId": "searchThreads", "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "q", "in": "query", "required": true}, {"type": "integer", "name": "k", "in": "query"}],
                "responses": {"200": {"description": "OK"}}}
        },
        "/threads/{id}": {
            "get": {"tags": ["Threads"], "summary": "Get a thread", "operationId": "getThread", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Thread"}}, "404": {"description": "Thread not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}}},
            "patch": {"tags": ["Threads"], "summary": "Rename or pin a thread", "operationId": "updateThread", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}}},
            "delete": {"tags": ["Threads"], "summary": "Delete a thread", "operationId": "deleteThread", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}}}
        },
        "/threads/{id}/messages": {
            "get": {"tags": ["Messages"], "summary": "List the active messages of a thread", "operationId": "listMessages", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}},
            "post": {"tags": ["Messages"], "summary": "Send a message and stream the assistant reply", "operationId": "sendMessage", "produces": ["application/json", "text/event-stream"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "Idempotency-Key", "in": "header"}, {"type": "string", "name": "X-API-Key", "in": "header"}],
                "responses": {"200": {"description": "Committed messages"}, "502": {"description": "Provider failed; partial reply kept"}}}
        },
        "/threads/{id}/messages/{messageId}": {
            "put": {"tags": ["Messages"], "summary": "Edit a user message and resend it", "operationId": "editMessage", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "messageId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}},
            "delete": {"tags": ["Messages"], "summary": "Truncate a thread after a message", "operationId": "deleteAfter", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "messageId", "in": "path", "required": true}, {"type": "boolean", "name": "inclusive", "in": "query"}],
                "responses": {"200": {"description": "OK"}}}
        },
        "/threads/{id}/messages/{messageId}/regenerate": {
            "post": {"tags": ["Versions"], "summary": "Regenerate a reply as a new dialog version", "operationId": "regenerate", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "messageId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Regeneration already running for this anchor"}}}
        },
        "/threads/{id}/clone": {
            "post": {"tags": ["Threads"], "summary": "Clone a thread", "operationId": "cloneThread", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"201": {"description": "Created"}, "404": {"description": "Thread or message not found"}}}
        },
        "/threads/{id}/cancel": {
            "post": {"tags": ["Messages"], "summary": "Cancel the running reply", "operationId": "cancelStream", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}}
        },
        "/threads/{id}/versions": {
            "get": {"tags": ["Versions"], "summary": "List dialog versions", "operationId": "listVersions", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}}
        },
        "/threads/{id}/versions/active": {
            "put": {"tags": ["Versions"], "summary": "Switch the active dialog version", "operationId": "switchVersion", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}}}
        },
        "/threads/{id}/attachments": {
            "get": {"tags": ["Attachments"], "summary": "List a thread's attachments", "operationId": "listAttachments", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}},
            "post": {"tags": ["Attachments"], "summary": "Upload files to a thread", "operationId": "uploadAttachments", "consumes": ["multipart/form-data"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "file", "name": "files", "in": "formData", "required": true}],
                "responses": {"201": {"description": "Created"}, "207": {"description": "Partial failure"}}}
        },
        "/threads/{id}/attachments/associate": {
            "post": {"tags": ["Attachments"], "summary": "Bind attachments to a message", "operationId": "associateAttachments", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}}
        },
        "/files/{ref}": {
            "get": {"tags": ["Attachments"], "summary": "Download a stored file", "operationId": "getFile", "parameters": [{"type": "string", "name": "ref", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Unknown reference"}}}
        },
        "/threads/{id}/draft": {
            "get": {"tags": ["Drafts"], "summary": "Load a draft", "operationId": "getDraft", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "integer", "name": "version", "in": "query"}],
                "responses": {"200": {"description": "OK"}, "204": {"description": "No draft"}}},
            "put": {"tags": ["Drafts"], "summary": "Save a draft", "operationId": "putDraft", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "integer", "name": "version", "in": "query"}],
                "responses": {"204": {"description": "No Content"}}},
            "delete": {"tags": ["Drafts"], "summary": "Discard a draft", "operationId": "deleteDraft", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "integer", "name": "version", "in": "query"}],
                "responses": {"204": {"description": "No Content"}}}
        },
        "/threads/{id}/events": {
            "get": {"tags": ["Events"], "summary": "Subscribe to live thread events", "operationId": "streamEvents", "produces": ["text/event-stream"], "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "Event stream"}}}
        },
        "/migrate": {
            "post": {"tags": ["Migration"], "summary": "Import a legacy export", "operationId": "migrateLegacy", "consumes": ["multipart/form-data"],
                "parameters": [{"type": "file", "name": "export", "in": "formData", "required": true}],
                "responses": {"200": {"description": "OK"}}}
        }
    },
    "definitions": {
        "domain.Thread": {"type": "object", "properties": {
            "id": {"type": "string"}, "owner_id": {"type": "string"}, "title": {"type": "string"},
            "is_system_thread": {"type": "boolean"}, "pinned": {"type": "boolean"},
            "active_version": {"type": "integer"}, "last_version": {"type": "integer"},
            "created_at": {"type": "string"}, "updated_at": {"type": "string"}}},
        "handlers.CreateThreadRequest": {"type": "object", "properties": {"title": {"type": "string", "example": "Trip planning"}}},
        "handlers.ListThreadsResponse": {"type": "object", "properties": {
            "threads": {"type": "array", "items": {"$ref": "#/definitions/domain.Thread"}},
            "pagination": {"type": "object"}}},
        "handlers.ErrorResponse": {"type": "object", "properties": {
            "request_id": {"type": "string"}, "code": {"type": "string", "example": "not_found"}, "message": {"type": "string"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Chat Sync API",
	Description:      "Conversation threads with dialog versions, streamed replies, attachments and drafts.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
