package whatsapp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/engine/internal/network"
)

const thumbnailSize = 72

// translate maps whatsmeow's authorization failures onto network.ErrUnauthorized.
// Everything else passes through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, network.ErrUnauthorized) {
		return err
	}
	if errors.Is(err, whatsmeow.ErrNotLoggedIn) || errors.Is(err, whatsmeow.ErrIQNotAuthorized) {
		return fmt.Errorf("%w: %v", network.ErrUnauthorized, err)
	}
	return err
}

func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseJID accepts a full JID or a phone number in any common notation.
func parseJID(ref string) (types.JID, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		jid, err := types.ParseJID(ref)
		if err != nil || jid.User == "" {
			return types.JID{}, fmt.Errorf("%w: %q", network.ErrPeerNotFound, ref)
		}
		return jid, nil
	}
	phone := sanitizePhone(ref)
	if phone == "" {
		return types.JID{}, fmt.Errorf("%w: %q", network.ErrPeerNotFound, ref)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func peerKind(jid types.JID) string {
	switch jid.Server {
	case types.GroupServer:
		return network.PeerGroup
	case types.NewsletterServer:
		return network.PeerChannel
	default:
		return network.PeerUser
	}
}

// formatPairingCode renders an 8 character code as XXXX-XXXX.
func formatPairingCode(code string) string {
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
}

func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func attachmentOf(m *waE2E.Message) *network.Attachment {
	switch {
	case m.GetImageMessage() != nil:
		im := m.GetImageMessage()
		return &network.Attachment{Kind: "photo", MimeType: im.GetMimetype(), Size: int64(im.GetFileLength())}
	case m.GetVideoMessage() != nil:
		vm := m.GetVideoMessage()
		return &network.Attachment{Kind: "video", MimeType: vm.GetMimetype(), Size: int64(vm.GetFileLength())}
	case m.GetAudioMessage() != nil:
		am := m.GetAudioMessage()
		return &network.Attachment{Kind: "audio", MimeType: am.GetMimetype(), Size: int64(am.GetFileLength())}
	case m.GetDocumentMessage() != nil:
		dm := m.GetDocumentMessage()
		return &network.Attachment{Kind: "document", MimeType: dm.GetMimetype(), FileName: dm.GetFileName(), Size: int64(dm.GetFileLength())}
	case m.GetStickerMessage() != nil:
		sm := m.GetStickerMessage()
		return &network.Attachment{Kind: "sticker", MimeType: sm.GetMimetype(), Size: int64(sm.GetFileLength())}
	}
	return nil
}

func downloadable(m *waE2E.Message) whatsmeow.DownloadableMessage {
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage()
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage()
	case m.GetStickerMessage() != nil:
		return m.GetStickerMessage()
	}
	return nil
}

// forwardCopy returns a copy of m flagged as forwarded. Plain conversation
// text is promoted to an extended text message, which can carry the flag.
func forwardCopy(m *waE2E.Message) (*waE2E.Message, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: message content not cached", network.ErrUnsupported)
	}
	info := &waE2E.ContextInfo{IsForwarded: proto.Bool(true), ForwardingScore: proto.Uint32(1)}
	out := proto.Clone(m).(*waE2E.Message)
	out.MessageContextInfo = nil

	switch {
	case out.GetConversation() != "":
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(out.GetConversation()),
			ContextInfo: info,
		}}, nil
	case out.ExtendedTextMessage != nil:
		out.ExtendedTextMessage.ContextInfo = info
	case out.ImageMessage != nil:
		out.ImageMessage.ContextInfo = info
	case out.VideoMessage != nil:
		out.VideoMessage.ContextInfo = info
	case out.AudioMessage != nil:
		out.AudioMessage.ContextInfo = info
	case out.DocumentMessage != nil:
		out.DocumentMessage.ContextInfo = info
	case out.StickerMessage != nil:
		out.StickerMessage.ContextInfo = info
	default:
		return nil, fmt.Errorf("%w: message type cannot be forwarded", network.ErrUnsupported)
	}
	return out, nil
}

// mediaKind picks the upload class for a MIME type.
func mediaKind(mime string) (string, whatsmeow.MediaType) {
	switch {
	case strings.HasPrefix(mime, "image/") && mime != "image/gif":
		return "photo", whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return "video", whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return "audio", whatsmeow.MediaAudio
	default:
		return "document", whatsmeow.MediaDocument
	}
}

func mediaMessage(kind string, up whatsmeow.UploadResponse, mime, fileName, caption string, thumb []byte) *waE2E.Message {
	switch kind {
	case "photo":
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(caption),
			JPEGThumbnail: thumb,
		}}
	case "video":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(caption),
		}}
	case "audio":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			FileName:      proto.String(fileName),
			Title:         proto.String(fileName),
			Caption:       proto.String(caption),
		}}
	}
}

// thumbnail renders a small JPEG preview. Undecodable images get none.
func thumbnail(data []byte) []byte {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil
	}
	thumb := imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(70)); err != nil {
		return nil
	}
	return buf.Bytes()
}
