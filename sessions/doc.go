// Package sessions defines the core model of the session broker: the
// identity of a session (SessionKey), its descriptive metadata, the sentinel
// errors shared across the codebase, and a generic concurrency-safe registry
// mapping capability tokens to live resource handles.
//
// A session is a bounded-lifetime grant of exclusive access to one live
// remote connection (SSH or database) for one owner. The registry of the
// hosting instance is the single source of truth for whether a handle is
// alive; replicated metadata (see the metastore package) only provides
// cross-instance visibility.
package sessions
