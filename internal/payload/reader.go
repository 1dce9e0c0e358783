package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/kapp-shell/apk-harden-go/internal/crypto"
)

const (
	headerSize  = 4 + 2 + 4
	trailerSize = 8 + 4

	// 索引预分配上限。条目数来自未验证的头部字段，超出部分让
	// map 自然增长，避免按伪造计数一次性分配
	maxIndexHint = 4096
)

// EntryInfo 索引中的条目元数据。密文不驻留内存，按需读取
type EntryInfo struct {
	Kind       Kind
	Path       string
	ABI        string
	Compressed bool
	Nonce      []byte
	PlainSize  uint32
	Digest     [32]byte // 明文 SHA-256，解密缓存校验用

	ctOffset int64
	ctLen    uint32
}

// Reader 容器读取器。打开时先验证尾部校验和（廉价的损坏筛查），
// 再只扫描元数据建立索引：定位单个条目是 O(entries) 索引 + O(1) 解密，
// 与容器总大小无关
type Reader struct {
	src     io.ReaderAt
	size    int64
	version uint16
	ordered []EntryInfo
	byPath  map[string]int
}

// NewReader 打开并索引一个容器
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	if size < headerSize+trailerSize {
		return nil, ErrPayloadCorrupt
	}

	// 尾部: [xxhash64 (8)] [magic (4)]
	trailer := make([]byte, trailerSize)
	if _, err := src.ReadAt(trailer, size-trailerSize); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if string(trailer[8:]) != containerMagic {
		return nil, ErrPayloadCorrupt
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(src, 0, size-trailerSize)); err != nil {
		return nil, fmt.Errorf("checksum body: %w", err)
	}
	if digest.Sum64() != binary.LittleEndian.Uint64(trailer[:8]) {
		return nil, ErrPayloadCorrupt
	}

	header := make([]byte, headerSize)
	if _, err := src.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:4]) != containerMagic {
		return nil, ErrPayloadCorrupt
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != containerVersion {
		return nil, fmt.Errorf("%w: unsupported container version %d", ErrPayloadCorrupt, version)
	}
	entryCount := binary.LittleEndian.Uint32(header[6:10])
	hint := int(entryCount)
	if hint > maxIndexHint {
		hint = maxIndexHint
	}

	r := &Reader{
		src:     src,
		size:    size,
		version: version,
		byPath:  make(map[string]int, hint),
	}

	if err := r.index(int(entryCount)); err != nil {
		return nil, err
	}
	return r, nil
}

// index 顺序扫描条目元数据，跳过密文字节
func (r *Reader) index(entryCount int) error {
	body := io.NewSectionReader(r.src, headerSize, r.size-headerSize-trailerSize)
	br := bufferedSection{r: body}

	for i := 0; i < entryCount; i++ {
		info, err := br.readEntryMeta()
		if err != nil {
			return ErrPayloadCorrupt
		}
		info.ctOffset = headerSize + br.pos
		if err := br.skip(int64(info.ctLen)); err != nil {
			return ErrPayloadCorrupt
		}

		r.byPath[info.Path] = len(r.ordered)
		r.ordered = append(r.ordered, info)
	}
	return nil
}

// Entries 按容器存储顺序返回全部条目
func (r *Reader) Entries() []EntryInfo {
	return r.ordered
}

// CodeEntries 按存储顺序返回 CODE 条目。该顺序即原始 dex 加载顺序，
// 依赖关系敏感，不得重排
func (r *Reader) CodeEntries() []EntryInfo {
	var out []EntryInfo
	for _, e := range r.ordered {
		if e.Kind == KindCode {
			out = append(out, e)
		}
	}
	return out
}

// Lookup 按逻辑路径查找条目
func (r *Reader) Lookup(path string) (EntryInfo, bool) {
	i, ok := r.byPath[path]
	if !ok {
		return EntryInfo{}, false
	}
	return r.ordered[i], true
}

// OpenEntry 选择性解密：按逻辑路径定位并解密单个条目，不触碰其他条目
func (r *Reader) OpenEntry(key []byte, path string) ([]byte, error) {
	info, ok := r.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, path)
	}
	return r.Open(key, info)
}

// Open 解密一个已索引条目，验证与解密是单个原子步骤
func (r *Reader) Open(key []byte, info EntryInfo) ([]byte, error) {
	ciphertext := make([]byte, info.ctLen)
	if _, err := r.src.ReadAt(ciphertext, info.ctOffset); err != nil {
		return nil, fmt.Errorf("read ciphertext %s: %w", info.Path, err)
	}

	aad := crypto.EncodeAAD(uint8(info.Kind), info.Path, info.ABI)
	data, err := crypto.Open(key, info.Nonce, aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", info.Path, err)
	}

	if info.Compressed {
		zr := lz4.NewReader(bytes.NewReader(data))
		plain := make([]byte, 0, info.PlainSize)
		buf := bytes.NewBuffer(plain)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, fmt.Errorf("entry %s: lz4 decompress: %w", info.Path, err)
		}
		data = buf.Bytes()
	}

	if uint32(len(data)) != info.PlainSize || sha256.Sum256(data) != info.Digest {
		return nil, fmt.Errorf("entry %s: %w", info.Path, ErrPayloadCorrupt)
	}
	return data, nil
}

// bufferedSection 元数据扫描游标
type bufferedSection struct {
	r   *io.SectionReader
	pos int64
}

func (b *bufferedSection) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(b.r, b.pos, int64(n)), buf); err != nil {
		return nil, err
	}
	b.pos += int64(n)
	return buf, nil
}

func (b *bufferedSection) skip(n int64) error {
	if b.pos+n > b.r.Size() {
		return io.ErrUnexpectedEOF
	}
	b.pos += n
	return nil
}

func (b *bufferedSection) readEntryMeta() (EntryInfo, error) {
	var info EntryInfo

	head, err := b.read(3)
	if err != nil {
		return info, err
	}
	info.Kind = Kind(head[0])
	pathLen := int(binary.LittleEndian.Uint16(head[1:3]))

	path, err := b.read(pathLen)
	if err != nil {
		return info, err
	}
	info.Path = string(path)

	abiLen, err := b.read(1)
	if err != nil {
		return info, err
	}
	abi, err := b.read(int(abiLen[0]))
	if err != nil {
		return info, err
	}
	info.ABI = string(abi)

	tail, err := b.read(1 + crypto.NonceSize + 32 + 8)
	if err != nil {
		return info, err
	}
	info.Compressed = tail[0]&flagCompressed != 0
	info.Nonce = append([]byte(nil), tail[1:1+crypto.NonceSize]...)
	copy(info.Digest[:], tail[1+crypto.NonceSize:])
	info.PlainSize = binary.LittleEndian.Uint32(tail[1+crypto.NonceSize+32:])
	info.ctLen = binary.LittleEndian.Uint32(tail[1+crypto.NonceSize+32+4:])

	return info, nil
}
