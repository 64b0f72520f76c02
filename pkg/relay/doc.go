// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the bidirectional relay engine that mirrors a
// single Matrix room (side A) and a single private chat on another network
// (side B).
//
// # Core Types
//
// [Adapter] is the contract each network binding satisfies. Adapters own the
// network session and turn raw network events into [InboundMessage] values.
//
// [Engine] is the relay core. It consumes one ordered queue fed by both
// sides, drops echoes through the [LoopGuard], translates each message and
// hands exactly one [OutboundMessage] to the [Retrier].
//
// [Retrier] delivers outbound messages with bounded exponential backoff. It
// keeps per-chat ordering, remembers delivered correlation ids and reports
// dead letters.
//
// [Supervisor] owns the lifecycle of both adapter sessions: connect, resume
// from the stored cursor, listen, and reconnect after failures.
//
// # Echo Prevention
//
// Two layers run for every inbound message: the sender is compared with the
// bridge's own identity on that side, and the origin id (or a content
// fingerprint when the network did not return an id) is looked up in the
// recency set filled after each successful send. Either layer suppresses the
// message.
package relay
