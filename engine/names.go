package engine

// Exports every module must provide for the exchange protocol.
const (
	// ExportAllocate is the guest allocator: (len: u32) -> u32 offset.
	ExportAllocate = "allocate"

	// ExportDeallocate releases a guest allocation: (ptr: u32, len: u32).
	ExportDeallocate = "deallocate"
)
