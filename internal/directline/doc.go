// Package directline is the HTTP transport of the gateway: the Bot Framework
// connector routes a bot talks to and the DirectLine routes a webchat client
// talks to.
//
// # Routes
//
// Connector (bots):
//
//	POST /v3/conversations                                      create (gated)
//	POST /v3/conversations/{id}/activities                      append (gated)
//	POST /v3/conversations/{id}/activities/{activityId}         reply (gated)
//	POST /v3/conversations/{id}/attachments                     upload (gated)
//	PUT  /conversations/{id}/updateConversation                 conversationUpdate (gated)
//	POST /conversations/{id}/saveTranscript                     snapshot
//	GET  /conversations/{id}/transcripts[?format=html]          latest snapshot
//	GET  /conversations/ws/port                                 websocket port
//
// DirectLine (clients):
//
//	POST /v3/directline/conversations                           start, returns a scoped token
//	GET  /v3/directline/conversations/{id}                      info (gated)
//	GET  /v3/directline/conversations/{id}/activities?watermark poll
//	POST /v3/directline/conversations/{id}/activities           user activity (gated)
//	POST /v3/directline/conversations/{id}/close                close (gated)
//	GET  /v3/attachments/{attachmentId}[/views/{viewId}]        attachment info and bytes
//
// Routes carrying {id} resolve the conversation first, so an unknown id is
// always ConversationNotFound, and only then run the auth gate.
//
// # Errors
//
// Every failure is written as {"error":{"code":"...","message":"..."}} with a
// stable Code; see errors.go for the code to status mapping.
//
// # Ordering
//
// Watermarks come from the store. The poll route returns the activities
// after the given watermark plus the conversation's current watermark as a
// decimal string. A missing, malformed or negative watermark reads from the
// start of the log.
package directline
