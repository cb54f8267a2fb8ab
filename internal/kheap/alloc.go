package kheap

import "fmt"

// Kmalloc allocates size bytes with best-fit search over the free list,
// growing the heap from the frame allocator when nothing fits.
func (h *Heap) Kmalloc(size uint64, flags AllocFlags) (uint64, error) {
	if size == 0 {
		size = 1
	}
	payload := alignUp(size, PayloadAlign)
	need := payload + overhead
	if need < minBlockSize {
		need = minBlockSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	addr, err := h.bestFit(need)
	if err != nil {
		return 0, err
	}

	if flags&FlagZero != 0 {
		if err := h.ram.Zero(addr+HeaderSize, payload); err != nil {
			return 0, err
		}
	}

	return addr + HeaderSize, nil
}

// bestFit finds the smallest free block that fits `need` bytes, splitting
// the remainder back into the free list if it is large enough to form a
// valid block on its own.
func (h *Heap) bestFit(need uint64) (uint64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var bestAddr uint64
		var bestSize uint64 = ^uint64(0)
		found := false

		cur := h.freeHead
		for cur != 0 {
			b, err := h.readBlock(cur)
			if err != nil {
				return 0, err
			}
			if b.size >= need && b.size < bestSize {
				bestAddr, bestSize = cur, b.size
				found = true
			}
			cur = b.next
		}

		if found {
			if err := h.removeFree(bestAddr); err != nil {
				return 0, err
			}
			remaining := bestSize - need
			if remaining >= minBlockSize {
				b := block{addr: bestAddr, flags: 0, size: need}
				if err := h.writeBlock(b); err != nil {
					return 0, err
				}
				h.pushFree(block{addr: bestAddr + need, flags: flagFree, size: remaining})
			} else {
				b := block{addr: bestAddr, flags: 0, size: bestSize}
				if err := h.writeBlock(b); err != nil {
					return 0, err
				}
			}
			return bestAddr, nil
		}

		if attempt == 0 {
			if err := h.grow(need); err != nil {
				return 0, err
			}
		}
	}
	return 0, ErrOutOfMemory
}

// Kfree releases a pointer previously returned by Kmalloc. Double free is
// detected via the block's free flag and ignored.
func (h *Heap) Kfree(ptr uint64) {
	if ptr < HeaderSize {
		h.log.Warn("kheap: free of out-of-range pointer", "ptr", ptr)
		return
	}
	addr := ptr - HeaderSize

	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := h.readBlock(addr)
	if err != nil {
		h.log.Warn("kheap: free of unreadable pointer", "ptr", ptr, "err", err)
		return
	}
	if b.magic != blockMagic {
		h.log.Warn("kheap: free: bad magic, possible corruption", "ptr", ptr)
		return
	}
	if b.flags&flagFree != 0 {
		h.log.Warn("kheap: double free detected", "ptr", ptr)
		return
	}

	h.coalesceAndFree(b)
}

// coalesceAndFree merges addr with its left/right address-adjacent free
// neighbors (if any, and if they live in the same growth chunk) before
// pushing the resulting block onto the free list.
func (h *Heap) coalesceAndFree(b block) {
	addr, size := b.addr, b.size

	// Merge with right neighbor if it is free and in the same chunk.
	rightAddr := addr + size
	if h.inSameChunk(addr, rightAddr) {
		if rb, err := h.readBlock(rightAddr); err == nil && rb.magic == blockMagic && rb.flags&flagFree != 0 {
			if err := h.removeFree(rightAddr); err == nil {
				size += rb.size
			}
		}
	}

	// Merge with left neighbor via the boundary-tag footer.
	if leftSize, leftFlags, ok := h.footerBefore(addr); ok && leftFlags&flagFree != 0 {
		leftAddr := addr - leftSize
		if h.inSameChunk(addr, leftAddr) {
			if err := h.removeFree(leftAddr); err == nil {
				addr = leftAddr
				size += leftSize
			}
		}
	}

	h.pushFree(block{addr: addr, size: size})
}

// Krealloc resizes an allocation, copying payload bytes on a move. A nil
// (zero) ptr behaves like Kmalloc; a newSize of zero frees ptr and returns 0.
func (h *Heap) Krealloc(ptr uint64, newSize uint64) (uint64, error) {
	if ptr == 0 {
		return h.Kmalloc(newSize, 0)
	}
	if newSize == 0 {
		h.Kfree(ptr)
		return 0, nil
	}

	oldPayload, err := h.payloadSize(ptr)
	if err != nil {
		return 0, err
	}

	newPtr, err := h.Kmalloc(newSize, 0)
	if err != nil {
		return 0, err
	}

	n := oldPayload
	if newSize < n {
		n = newSize
	}
	buf := make([]byte, n)
	if _, err := h.ram.ReadAt(buf, int64(ptr)); err != nil {
		return 0, err
	}
	if _, err := h.ram.WriteAt(buf, int64(newPtr)); err != nil {
		return 0, err
	}

	h.Kfree(ptr)
	return newPtr, nil
}

// Kcalloc allocates a zeroed array of n elements of elemSize bytes.
func (h *Heap) Kcalloc(n, elemSize uint64) (uint64, error) {
	return h.Kmalloc(n*elemSize, FlagZero)
}

// Kstrdup copies a Go string into a freshly allocated, NUL-terminated
// buffer.
func (h *Heap) Kstrdup(s string) (uint64, error) {
	ptr, err := h.Kmalloc(uint64(len(s)+1), 0)
	if err != nil {
		return 0, err
	}
	buf := append([]byte(s), 0)
	if _, err := h.ram.WriteAt(buf, int64(ptr)); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (h *Heap) payloadSize(ptr uint64) (uint64, error) {
	if ptr < HeaderSize {
		return 0, fmt.Errorf("kheap: invalid pointer %#x", ptr)
	}
	b, err := h.readBlock(ptr - HeaderSize)
	if err != nil {
		return 0, err
	}
	if b.magic != blockMagic {
		return 0, ErrInvalidPointer
	}
	return b.size - overhead, nil
}

// Read copies n bytes of the allocation's payload starting at ptr into buf.
func (h *Heap) Read(ptr uint64, buf []byte) error {
	_, err := h.ram.ReadAt(buf, int64(ptr))
	return err
}

// Write writes buf into the allocation's payload starting at ptr.
func (h *Heap) Write(ptr uint64, buf []byte) error {
	_, err := h.ram.WriteAt(buf, int64(ptr))
	return err
}
