package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "PRM Deal API",
        "description": "Partner deal registration, approval workflow and channel-conflict resolution",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {
            "name": "Deals",
            "description": "Deal registration and lifecycle"
        },
        {
            "name": "Conflicts",
            "description": "Channel conflict detection and resolution"
        },
        {
            "name": "Pipeline",
            "description": "Pipeline overview"
        },
        {
            "name": "Scoring",
            "description": "Versioned scoring rule sets"
        },
        {
            "name": "Commission",
            "description": "Commission statements"
        },
        {
            "name": "Audit",
            "description": "Append-only audit log"
        }
    ],
    "paths": {
        "/deals": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Register a deal",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/RegisterDealRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            },
            "get": {
                "tags": [
                    "Deals"
                ],
                "summary": "List deals",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "partnerId",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "stage",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Comma separated stages"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}": {
            "get": {
                "tags": [
                    "Deals"
                ],
                "summary": "Get a deal with its approval gates",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/advance": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Move a deal to another stage",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/AdvanceDealRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "423": {
                        "description": "Blocked by a high-severity conflict",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/reject": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Reject a deal",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/RejectDealRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "423": {
                        "description": "Blocked by a high-severity conflict",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/resubmit": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Resubmit a rejected deal",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "423": {
                        "description": "Blocked by a high-severity conflict",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/gates/{gate}": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Record an approval gate decision",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "gate",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "MANAGER_REVIEW, COMPLIANCE_CHECK or EXECUTIVE_APPROVAL"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/GateDecisionRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/close": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Close a deal as won (approved deals only) or lost; partners may withdraw their own deals",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/CloseDealRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "423": {
                        "description": "Blocked by a high-severity conflict",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/override": {
            "post": {
                "tags": [
                    "Deals"
                ],
                "summary": "Force a deal into a stage",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/OverrideStageRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/deals/{id}/audit": {
            "get": {
                "tags": [
                    "Audit"
                ],
                "summary": "Audit trail of one deal",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/conflicts": {
            "get": {
                "tags": [
                    "Conflicts"
                ],
                "summary": "List conflicts",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "status",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Comma separated statuses"
                    },
                    {
                        "name": "type",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "severity",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "dealId",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/conflicts/export": {
            "get": {
                "tags": [
                    "Conflicts"
                ],
                "summary": "Download matching conflicts as a report",
                "produces": [
                    "text/csv",
                    "application/pdf"
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "status",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Comma separated statuses"
                    },
                    {
                        "name": "type",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "severity",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "format",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "csv or pdf"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Report file",
                        "schema": {
                            "type": "file"
                        }
                    }
                }
            }
        },
        "/conflicts/{id}": {
            "get": {
                "tags": [
                    "Conflicts"
                ],
                "summary": "Get a conflict",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/conflicts/{id}/resolve": {
            "post": {
                "tags": [
                    "Conflicts"
                ],
                "summary": "Resolve a conflict with a strategy",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/conflicts/{id}/decide": {
            "post": {
                "tags": [
                    "Conflicts"
                ],
                "summary": "Pick the winner of an escalated conflict",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/DecideConflictRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Illegal transition, stale version or already resolved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/pipeline": {
            "get": {
                "tags": [
                    "Pipeline"
                ],
                "summary": "Deal count and total value per stage",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/scoring/rules": {
            "get": {
                "tags": [
                    "Scoring"
                ],
                "summary": "Active scoring rule set",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            },
            "post": {
                "tags": [
                    "Scoring"
                ],
                "summary": "Publish a new scoring rule set version",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/PublishRuleSetRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/scoring/rules/{version}": {
            "get": {
                "tags": [
                    "Scoring"
                ],
                "summary": "Scoring rule set by version",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "version",
                        "in": "path",
                        "required": true,
                        "type": "integer"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/partners/{id}/commission-statement": {
            "get": {
                "tags": [
                    "Commission"
                ],
                "summary": "Download a partner commission statement",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identifier"
                    },
                    {
                        "name": "from",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "YYYY-MM-DD"
                    },
                    {
                        "name": "to",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "YYYY-MM-DD, inclusive"
                    },
                    {
                        "name": "format",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "csv or pdf"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Statement file",
                        "schema": {
                            "type": "file"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "produces": [
                    "text/csv",
                    "application/pdf"
                ]
            }
        },
        "/audit": {
            "get": {
                "tags": [
                    "Audit"
                ],
                "summary": "Search the audit log",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "entityType",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "entityId",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "actorId",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "action",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "outcome",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": ""
                    },
                    {
                        "name": "from",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "RFC3339"
                    },
                    {
                        "name": "to",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "RFC3339"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "RegisterDealRequest": {
            "type": "object",
            "required": [
                "accountName",
                "dealValue",
                "currency",
                "expectedCloseDate"
            ],
            "properties": {
                "partnerId": {
                    "type": "string"
                },
                "accountName": {
                    "type": "string"
                },
                "dealValue": {
                    "type": "string",
                    "example": "125000.00"
                },
                "currency": {
                    "type": "string",
                    "example": "USD"
                },
                "industry": {
                    "type": "string"
                },
                "territories": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "productInterests": {
                    "type": "array",
                    "items": {
                        "type": "string"
                    }
                },
                "expectedCloseDate": {
                    "type": "string",
                    "format": "date"
                },
                "description": {
                    "type": "string"
                },
                "riskLevel": {
                    "type": "string",
                    "enum": [
                        "LOW",
                        "MEDIUM",
                        "HIGH"
                    ]
                }
            }
        },
        "AdvanceDealRequest": {
            "type": "object",
            "required": [
                "targetStage"
            ],
            "properties": {
                "targetStage": {
                    "type": "string",
                    "enum": [
                        "SUBMITTED",
                        "QUALIFIED",
                        "IN_REVIEW",
                        "APPROVED",
                        "REJECTED",
                        "WON",
                        "LOST"
                    ]
                },
                "expectedVersion": {
                    "type": "integer",
                    "minimum": 1
                },
                "reason": {
                    "type": "string"
                }
            }
        },
        "RejectDealRequest": {
            "type": "object",
            "required": [
                "reason"
            ],
            "properties": {
                "reason": {
                    "type": "string"
                },
                "expectedVersion": {
                    "type": "integer",
                    "minimum": 1
                }
            }
        },
        "GateDecisionRequest": {
            "type": "object",
            "required": [
                "decision"
            ],
            "properties": {
                "decision": {
                    "type": "string",
                    "enum": [
                        "APPROVED",
                        "REJECTED"
                    ]
                },
                "note": {
                    "type": "string"
                },
                "overrideRate": {
                    "type": "string",
                    "example": "9.5"
                }
            }
        },
        "CloseDealRequest": {
            "type": "object",
            "required": [
                "outcome"
            ],
            "properties": {
                "outcome": {
                    "type": "string",
                    "enum": [
                        "WON",
                        "LOST"
                    ]
                },
                "reason": {
                    "type": "string"
                },
                "expectedVersion": {
                    "type": "integer",
                    "minimum": 1
                }
            }
        },
        "OverrideStageRequest": {
            "type": "object",
            "required": [
                "targetStage",
                "reason"
            ],
            "properties": {
                "targetStage": {
                    "type": "string"
                },
                "reason": {
                    "type": "string"
                }
            }
        },
        "DecideConflictRequest": {
            "type": "object",
            "required": [
                "winningDealId"
            ],
            "properties": {
                "winningDealId": {
                    "type": "string"
                },
                "notes": {
                    "type": "string"
                }
            }
        },
        "ScoringRuleInput": {
            "type": "object",
            "required": [
                "name",
                "category",
                "weight"
            ],
            "properties": {
                "name": {
                    "type": "string"
                },
                "category": {
                    "type": "string",
                    "enum": [
                        "DEAL_VALUE",
                        "INDUSTRY_MATCH",
                        "PARTNER_TIER",
                        "PRODUCT_INTEREST",
                        "CLOSE_DATE_WINDOW",
                        "DESCRIPTION_PRESENT"
                    ]
                },
                "weight": {
                    "type": "integer"
                },
                "active": {
                    "type": "boolean"
                },
                "params": {
                    "type": "object"
                }
            }
        },
        "PublishRuleSetRequest": {
            "type": "object",
            "required": [
                "rules"
            ],
            "properties": {
                "rules": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/ScoringRuleInput"
                    }
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total_count": {
                    "type": "integer"
                }
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string"
                },
                "message": {
                    "type": "string"
                },
                "status": {
                    "type": "integer"
                },
                "details": {
                    "type": "object"
                }
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {
                    "type": "object"
                },
                "error": {
                    "$ref": "#/definitions/APIError"
                },
                "pagination": {
                    "$ref": "#/definitions/Pagination"
                },
                "meta": {
                    "type": "object"
                }
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
