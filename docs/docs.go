// Package docs holds the OpenAPI document served at /swagger. Regenerate
// with `swag init -g cmd/server/main.go -o docs` after changing handler
// annotations.
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
        "/broker-connections": {
            "get": {
                "tags": [
                    "Broker"
                ],
                "summary": "List own broker connections",
                "operationId": "listBrokerConnections",
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            },
            "post": {
                "tags": [
                    "Broker"
                ],
                "summary": "Connect a broker account to a room",
                "operationId": "createBrokerConnection",
                "description": "The connection is stored even when the proxy refuses it; it then reports is_connected=false and last_error.",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    }
                }
            }
        },
        "/broker-connections/{id}/status": {
            "get": {
                "tags": [
                    "Broker"
                ],
                "summary": "Live connection status",
                "operationId": "brokerConnectionStatus",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "502": {
                        "description": ""
                    }
                }
            }
        },
        "/broker-connections/{id}/disconnect": {
            "post": {
                "tags": [
                    "Broker"
                ],
                "summary": "Close a broker connection",
                "operationId": "disconnectBroker",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            }
        },
        "/broker-connections/{id}/auto-forward": {
            "put": {
                "tags": [
                    "Broker"
                ],
                "summary": "Toggle auto-forward",
                "operationId": "setAutoForward",
                "description": "Only MT5 connections can auto-forward.",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    }
                }
            }
        },
        "/broker-connections/{id}/forwards": {
            "get": {
                "tags": [
                    "Broker"
                ],
                "summary": "Forward history of a connection",
                "operationId": "listForwards",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            }
        },
        "/agent/forwards/pending": {
            "get": {
                "tags": [
                    "Agent"
                ],
                "summary": "Pending instructions for a connection",
                "operationId": "agentPendingForwards",
                "description": "Rows stay pending until an outcome is reported and may be returned again on the next poll.",
                "parameters": [
                    {
                        "name": "X-Agent-Token",
                        "in": "header",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "connection_id",
                        "in": "query",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "401": {
                        "description": ""
                    }
                }
            }
        },
        "/agent/forwards/{id}/complete": {
            "post": {
                "tags": [
                    "Agent"
                ],
                "summary": "Report a successful execution",
                "operationId": "agentCompleteForward",
                "description": "Repeating the same report is a no-op; a different outcome on a finished forward is 409.",
                "parameters": [
                    {
                        "name": "X-Agent-Token",
                        "in": "header",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "409": {
                        "description": ""
                    }
                }
            }
        },
        "/agent/forwards/{id}/fail": {
            "post": {
                "tags": [
                    "Agent"
                ],
                "summary": "Report a failed execution",
                "operationId": "agentFailForward",
                "parameters": [
                    {
                        "name": "X-Agent-Token",
                        "in": "header",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "409": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/messages": {
            "get": {
                "tags": [
                    "Messages"
                ],
                "summary": "Room history",
                "operationId": "listMessages",
                "description": "Messages ordered by (created_at, id) ascending. 'after' (message id) pages forward; 'page' selects an offset page; neither returns the newest page_size messages. Supports weak ETag via If-None-Match.",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "after",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    },
                    {
                        "name": "page_size",
                        "in": "query",
                        "required": false,
                        "type": "integer"
                    },
                    {
                        "name": "If-None-Match",
                        "in": "header",
                        "required": false,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "304": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    }
                }
            },
            "post": {
                "tags": [
                    "Messages"
                ],
                "summary": "Send a text message",
                "operationId": "postMessage",
                "description": "Supports idempotency via the Idempotency-Key header (same key in the same room returns the first message).",
                "parameters": [
                    {
                        "name": "Idempotency-Key",
                        "in": "header",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "200": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/files": {
            "post": {
                "tags": [
                    "Messages"
                ],
                "summary": "Upload a file or image into a room",
                "operationId": "uploadFile",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "file",
                        "in": "formData",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "kind",
                        "in": "formData",
                        "required": false,
                        "type": "string"
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "413": {
                        "description": ""
                    },
                    "415": {
                        "description": ""
                    }
                }
            }
        },
        "/messages/{id}": {
            "delete": {
                "tags": [
                    "Messages"
                ],
                "summary": "Delete own message",
                "operationId": "deleteMessage",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "204": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    },
                    "404": {
                        "description": ""
                    }
                }
            }
        },
        "/messages/{id}/forward": {
            "post": {
                "tags": [
                    "Messages"
                ],
                "summary": "Forward a message to another room",
                "operationId": "forwardMessage",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    }
                }
            }
        },
        "/messages/{id}/broker-forward": {
            "post": {
                "tags": [
                    "Broker"
                ],
                "summary": "Queue a webhook alert for broker execution",
                "operationId": "brokerForward",
                "description": "Requires a connected MT5 connection for the room. At most one forward per message.",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "409": {
                        "description": ""
                    },
                    "422": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms": {
            "get": {
                "tags": [
                    "Rooms"
                ],
                "summary": "List the caller's rooms",
                "operationId": "listRooms",
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/private": {
            "post": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Open the private room with a friend",
                "operationId": "createPrivateRoom",
                "description": "Idempotent: both members always resolve to the same room.",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/group": {
            "post": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Create a group room",
                "operationId": "createGroup",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/webhook": {
            "post": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Create a webhook room",
                "operationId": "createWebhookRoom",
                "description": "Creates the room and its first webhook. The secret appears in this response and in one system message, never again.",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/invite": {
            "post": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Add a friend to a group",
                "operationId": "inviteToGroup",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    },
                    "409": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/webhooks": {
            "get": {
                "tags": [
                    "Rooms"
                ],
                "summary": "List a room's webhooks",
                "operationId": "listWebhooks",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            },
            "post": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Issue another webhook for a room",
                "operationId": "createWebhook",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}": {
            "delete": {
                "tags": [
                    "Rooms"
                ],
                "summary": "Delete a room",
                "operationId": "deleteRoom",
                "description": "Creator only. Removes members, messages, webhooks, delivery logs, broker connections and forward logs.",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "204": {
                        "description": ""
                    },
                    "403": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/health": {
            "get": {
                "tags": [
                    "Health"
                ],
                "summary": "Webhook health of a room",
                "operationId": "getRoomHealth",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            }
        },
        "/rooms/{id}/health/refresh": {
            "post": {
                "tags": [
                    "Health"
                ],
                "summary": "Recompute webhook health now",
                "operationId": "refreshRoomHealth",
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            }
        },
        "/me": {
            "get": {
                "tags": [
                    "Users"
                ],
                "summary": "Current user profile",
                "operationId": "getMe",
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "401": {
                        "description": ""
                    }
                }
            },
            "patch": {
                "tags": [
                    "Users"
                ],
                "summary": "Edit profile",
                "operationId": "updateMe",
                "description": "Username is 3-32 letters, digits, dot, dash or underscore and unique ignoring case. Color is #RRGGBB.",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    },
                    "409": {
                        "description": ""
                    }
                }
            }
        },
        "/me/avatar": {
            "post": {
                "tags": [
                    "Users"
                ],
                "summary": "Upload avatar image",
                "operationId": "uploadAvatar",
                "parameters": [
                    {
                        "name": "file",
                        "in": "formData",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "413": {
                        "description": ""
                    },
                    "415": {
                        "description": ""
                    }
                }
            }
        },
        "/friends": {
            "get": {
                "tags": [
                    "Users"
                ],
                "summary": "List friends",
                "operationId": "listFriends",
                "responses": {
                    "200": {
                        "description": ""
                    }
                }
            },
            "post": {
                "tags": [
                    "Users"
                ],
                "summary": "Add a friend",
                "operationId": "addFriend",
                "description": "Befriends the named user in both directions and returns the private room between the two.",
                "parameters": [
                    {
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": ""
                    },
                    "400": {
                        "description": ""
                    },
                    "404": {
                        "description": ""
                    }
                }
            }
        },
        "/webhook/{roomId}": {
            "post": {
                "tags": [
                    "Webhooks"
                ],
                "summary": "Deliver an alert into a webhook room",
                "operationId": "ingestWebhook",
                "description": "Body is TradingView JSON or plain text. Secret from X-Webhook-Secret, ?secret= or body \"secret\". A repeated request_id returns the first outcome with Idempotency-Replayed: true.",
                "parameters": [
                    {
                        "name": "roomId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "X-Webhook-Secret",
                        "in": "header",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "Idempotency-Key",
                        "in": "header",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "secret",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "request_id",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "202": {
                        "description": ""
                    },
                    "401": {
                        "description": ""
                    },
                    "404": {
                        "description": ""
                    },
                    "413": {
                        "description": ""
                    },
                    "503": {
                        "description": ""
                    }
                }
            }
        },
        "/tradingview-webhook/{roomId}": {
            "post": {
                "tags": [
                    "Webhooks"
                ],
                "summary": "Deliver a TradingView alert into a webhook room",
                "operationId": "ingestTradingView",
                "parameters": [
                    {
                        "name": "roomId",
                        "in": "path",
                        "required": true,
                        "type": "string"
                    },
                    {
                        "name": "X-Webhook-Secret",
                        "in": "header",
                        "required": false,
                        "type": "string"
                    },
                    {
                        "name": "secret",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": ""
                    },
                    "401": {
                        "description": ""
                    }
                }
            }
        },
        "/ws": {
            "get": {
                "tags": [
                    "Realtime"
                ],
                "summary": "Realtime session",
                "operationId": "websocket",
                "description": "Upgrades to a websocket bound to the caller's session. The first frame is a snapshot; client frames switch rooms, send and delete messages.",
                "parameters": [
                    {
                        "name": "access_token",
                        "in": "query",
                        "required": false,
                        "type": "string"
                    }
                ],
                "responses": {
                    "101": {
                        "description": ""
                    },
                    "401": {
                        "description": ""
                    },
                    "503": {
                        "description": ""
                    }
                }
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        },
        "AgentToken": {
            "type": "apiKey",
            "name": "X-Agent-Token",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Alert Desk API",
	Description:      "Trading chat rooms with TradingView webhook ingestion and broker forwarding.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
