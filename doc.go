// Package navnet provides a persistent, auto-reconnecting client for the
// maritime navigation network: a peer-to-peer message bus connecting ships,
// shore stations, and other maritime actors over WebSocket.
//
// # Overview
//
// navnet gives each participant (a MaritimeId) a single long-lived Client
// that the application opens once and keeps for the life of the process. The
// client hides the underlying connection churn: it reconnects automatically
// after a network drop, replays in-flight requests, and resumes broadcast
// subscriptions, so callers see a stable session even though the physical
// WebSocket connection underneath may cycle many times.
//
// On top of that resumable transport, three services are built:
//
//   - Service invocation: register a named service on the network and let
//     other participants locate and invoke it (request/response, like RPC).
//   - Geographic broadcast: publish a message to every participant within a
//     radius of a position, with a future that resolves once the server has
//     accepted the send and streams per-recipient acknowledgements.
//   - Position publication: periodically push the local participant's
//     position to the server so broadcast scoping and presence stay current.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                  Client                       │  Public facade
//	│   (state machine: created/connected/closed)   │  CREATED→CONNECTED→CLOSED→TERMINATED
//	└──────────────────┬─────────────────────────────┘
//	                   │ owns
//	     ┌─────────────┼──────────────┬───────────────┐
//	     ↓              ↓              ↓               ↓
//	┌──────────┐  ┌───────────┐  ┌───────────┐  ┌──────────────┐
//	│ service  │  │ broadcast │  │ position  │  │   protocol   │
//	│ Manager  │  │ Manager   │  │ Manager   │  │ (connection  │
//	└──────────┘  └───────────┘  └───────────┘  │  + requests) │
//	                                             └──────┬───────┘
//	                                                    ↓
//	                                             ┌──────────────┐
//	                                             │  transport   │  gorilla/websocket,
//	                                             │  (dial,      │  keepalive pings
//	                                             │   buffering) │
//	                                             └──────────────┘
//
// # Packages
//
//   - wire: the JSON array frame format and message type enum exchanged with the server
//   - transport: WebSocket dialing, keepalive pings, outbound buffering
//   - protocol: connection state machine, request/response correlation, reconnect/resume
//   - service: ServiceManager (registration, discovery, invocation)
//   - broadcast: BroadcastManager (listeners, send futures, ack streams)
//   - position: PositionManager (periodic position publication)
//   - maritimeid: the MaritimeId identity type
//   - config: Config and functional options for constructing a Client
//   - pkg/retry: exponential backoff with jitter, used by the reconnect loop
//   - pkg/worker: bounded worker pools, used for service and broadcast callback dispatch
//   - pkg/buffer: the circular buffer backing outbound message queues
//   - pkg/errors: error classification and wrapping helpers shared across packages
//
// # Non-goals
//
// navnet does not model vessel geometry, routing, or chart data; a position
// is a bare latitude/longitude/timestamp. It does not provide message
// encryption or network-layer security beyond what the transport (TLS) gives
// it; authentication of participants is the server's concern, not the
// client's.
package navnet
