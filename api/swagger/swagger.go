package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Assignment API",
        "description": "Assignment lifecycle, attachments and grading for ClassHub",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login and token management"},
        {"name": "Assignments", "description": "Assignment lifecycle (DRAFT, PUBLISHED, CLOSED)"},
        {"name": "Files", "description": "Instruction attachments and signed downloads"},
        {"name": "Submissions", "description": "Student attempts and grading"},
        {"name": "Admin", "description": "Operational endpoints"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Refresh access token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Revoke refresh token",
                "responses": {
                    "204": {"description": "Logged out"}
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": ["Authentication"],
                "summary": "Current user info",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/assignments": {
            "get": {
                "tags": ["Assignments"],
                "summary": "List assignments visible to the caller",
                "parameters": [
                    {"name": "class_id", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string", "enum": ["DRAFT", "PUBLISHED", "CLOSED"]},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Assignments"],
                "summary": "Create a draft assignment with optional attachments",
                "consumes": ["multipart/form-data", "application/json"],
                "parameters": [
                    {"name": "payload", "in": "formData", "type": "string", "required": true, "description": "Assignment JSON"},
                    {"name": "files", "in": "formData", "type": "file", "description": "Instruction attachments (max 2)"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation or file rejection"},
                    "409": {"description": "Capacity exceeded or operation in flight"}
                }
            }
        },
        "/assignments/{id}": {
            "get": {
                "tags": ["Assignments"],
                "summary": "Get an assignment",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            },
            "patch": {
                "tags": ["Assignments"],
                "summary": "Update a draft assignment",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Not editable in current status"}
                }
            },
            "delete": {
                "tags": ["Assignments"],
                "summary": "Delete a draft assignment",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "204": {"description": "Deleted"},
                    "409": {"description": "Not deletable in current status"}
                }
            }
        },
        "/assignments/{id}/publish": {
            "post": {
                "tags": ["Assignments"],
                "summary": "Publish an assignment (DRAFT to PUBLISHED)",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Published"},
                    "409": {"description": "Illegal transition"}
                }
            }
        },
        "/assignments/{id}/close": {
            "post": {
                "tags": ["Assignments"],
                "summary": "Close an assignment (PUBLISHED to CLOSED)",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Closed"},
                    "409": {"description": "Illegal transition"}
                }
            }
        },
        "/assignments/{id}/files": {
            "get": {
                "tags": ["Files"],
                "summary": "List instruction attachments",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            },
            "post": {
                "tags": ["Files"],
                "summary": "Upload attachments as a batch",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "files", "in": "formData", "type": "file", "required": true}
                ],
                "responses": {
                    "200": {"description": "Batch report", "schema": {"$ref": "#/definitions/BatchReport"}},
                    "409": {"description": "Capacity exceeded"}
                }
            }
        },
        "/assignments/{id}/submissions": {
            "get": {
                "tags": ["Submissions"],
                "summary": "List submissions for an assignment",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "state", "in": "query", "type": "string", "enum": ["NOT_GRADED", "GRADED"]}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            },
            "post": {
                "tags": ["Submissions"],
                "summary": "Submit an attempt",
                "consumes": ["multipart/form-data", "application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "text_content", "in": "formData", "type": "string"},
                    {"name": "file", "in": "formData", "type": "file"}
                ],
                "responses": {
                    "201": {"description": "Submitted"},
                    "409": {"description": "Window closed or attempt cap reached"}
                }
            }
        },
        "/assignments/{id}/grades/export": {
            "get": {
                "tags": ["Assignments"],
                "summary": "Export the grade sheet as CSV or PDF",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "File"},
                    "409": {"description": "Draft assignments have no grades"}
                }
            }
        },
        "/submissions/{id}": {
            "get": {
                "tags": ["Submissions"],
                "summary": "Get a submission",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/submissions/{id}/grade": {
            "post": {
                "tags": ["Submissions"],
                "summary": "Grade a submission",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Graded"},
                    "400": {"description": "Score above maximum"}
                }
            }
        },
        "/files/{id}/url": {
            "get": {
                "tags": ["Files"],
                "summary": "Get a signed download URL",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/files/{id}/download": {
            "get": {
                "tags": ["Files"],
                "summary": "Download a file via signed token",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "token", "in": "query", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "File"},
                    "403": {"description": "Invalid or expired token"}
                }
            }
        },
        "/files/{id}": {
            "delete": {
                "tags": ["Files"],
                "summary": "Delete an attachment",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "204": {"description": "Deleted"}
                }
            }
        },
        "/admin/metrics": {
            "get": {
                "tags": ["Admin"],
                "summary": "Aggregated system metrics",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/admin/retention/sweep": {
            "post": {
                "tags": ["Admin"],
                "summary": "Trigger a retention sweep",
                "responses": {
                    "202": {"description": "Sweep started"}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "BatchReport": {
            "type": "object",
            "properties": {
                "outcome": {"type": "string", "enum": ["ALL_SUCCEEDED", "PARTIAL_FAILURE", "TOTAL_FAILURE", "EMPTY"]},
                "succeeded": {"type": "integer"},
                "failed": {"type": "integer"},
                "results": {"type": "array", "items": {"type": "object"}}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
