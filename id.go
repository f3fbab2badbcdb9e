package dispatch

import "github.com/mailforge/dispatch/id"

// ID is the primary identifier type for all Dispatch entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
