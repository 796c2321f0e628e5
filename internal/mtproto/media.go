package mtproto

import "github.com/gotd/td/tg"

// isVideo 消息是否为普通视频，圆形视频消息与 GIF 动画不算
func isVideo(msg *tg.Message) bool {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return false
	}
	docClass, ok := media.GetDocument()
	if !ok {
		return false
	}
	doc, ok := docClass.AsNotEmpty()
	if !ok {
		return false
	}

	video := false
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return false
			}
			video = true
		case *tg.DocumentAttributeAnimated:
			return false
		}
	}
	return video
}
