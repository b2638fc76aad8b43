// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import "github.com/nyxstratum/pool/pool/chainutil"

// Broadcaster fans mining.notify out to every session mining a given
// algorithm, and client.show_message out to every session, grounded on the
// source's broadcast_clients.
type Broadcaster struct {
	registry *SessionRegistry
}

// NewBroadcaster builds a Broadcaster over registry.
func NewBroadcaster(registry *SessionRegistry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// NotifyJob broadcasts a mining.notify frame for job to every session
// mining job.Algorithm, returning the number of successful deliveries.
func (b *Broadcaster) NotifyJob(job *Job, cleanJobs bool) int {
	return b.registry.broadcast(MethodNotify, func() interface{} {
		return notifyParams(job, cleanJobs)
	}, job.Algorithm)
}

// notifyRequestForJob builds a single mining.notify frame for job, the form
// a session sends once immediately after a successful authorize (spec.md
// §4.E), independent of the broadcaster's multi-session fan-out.
func notifyRequestForJob(job *Job, cleanJobs bool) *Request {
	return notification(MethodNotify, notifyParams(job, cleanJobs))
}

// ShowMessage broadcasts a client.show_message frame to every session
// regardless of algorithm, the operator-facing announcement path spec.md
// §6 documents but leaves no component responsible for sending.
func (b *Broadcaster) ShowMessage(message string) int {
	return b.registry.broadcastAll(MethodClientShowMessage, func() interface{} {
		return []interface{}{message}
	})
}

// notifyParams builds the nine-element mining.notify param list (spec.md
// §4.H / §5).
func notifyParams(job *Job, cleanJobs bool) []interface{} {
	branch := make([]string, len(job.MerkleBranch))
	for i, h := range job.MerkleBranch {
		branch[i] = hexEncodeBytes(h[:])
	}
	prevHashPre := chainutil.SwapPreProcessedWords(job.PreviousHash)
	return []interface{}{
		hexEncodeUint32BE(uint32(job.ID)),
		hexEncodeBytes(prevHashPre[:]),
		hexEncodeBytes(job.Coinbase1),
		hexEncodeBytes(nil), // coinbase2 is always empty
		branch,
		hexEncodeUint32BE(job.Version),
		hexEncodeUint32BE(job.Bits),
		hexEncodeUint32BE(job.NTime),
		cleanJobs,
	}
}
