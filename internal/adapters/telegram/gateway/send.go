package gateway

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg-audience/internal/infra/logger"
)

// Send доставляет одно сообщение получателю. При пустом image уходит
// обычный текст; иначе байты картинки загружаются и отправляются фотографией
// с текстом в подписи. random_id уникален для каждой попытки: ретраи доставки
// решает вызывающий, а не шлюз.
func (g *Gateway) Send(ctx context.Context, peer tg.InputPeerClass, text string, image []byte) error {
	if len(image) == 0 {
		return g.sendText(ctx, peer, text)
	}
	return g.sendPhoto(ctx, peer, text, image)
}

func (g *Gateway) sendText(ctx context.Context, peer tg.InputPeerClass, text string) error {
	rid, err := randomID()
	if err != nil {
		return err
	}
	err = g.do(ctx, func() error {
		_, errAPI := g.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: rid,
		})
		return errAPI
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// sendPhoto загружает байты картинки и отправляет их как фото с подписью.
// Загрузка идёт вне троттлера: upload.* работает по отдельным квотам,
// лимитируется только финальный messages.sendMedia.
func (g *Gateway) sendPhoto(ctx context.Context, peer tg.InputPeerClass, caption string, image []byte) error {
	file, err := uploader.NewUploader(g.api).FromBytes(ctx, "image.jpg", image)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	logger.Debugf("Gateway: uploaded image, %d bytes", len(image))

	rid, err := randomID()
	if err != nil {
		return err
	}
	err = g.do(ctx, func() error {
		_, errAPI := g.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    &tg.InputMediaUploadedPhoto{File: file},
			Message:  caption,
			RandomID: rid,
		})
		return errAPI
	})
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

// IsPermanentSendError классифицирует ошибку доставки как постоянную для
// данного получателя: повторять отправку бессмысленно, получатель
// помечается в журнале как failed. PEER_FLOOD приравнен к постоянным:
// продолжение рассылки в этом состоянии только усугубляет блокировку.
func IsPermanentSendError(err error) bool {
	if err == nil {
		return false
	}
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return false
	}
	if rpcErr.Type == "PEER_FLOOD" {
		return true
	}
	// 420 — это FLOOD_WAIT, его отрабатывает троттлер.
	return rpcErr.Code >= 400 && rpcErr.Code < 500 && rpcErr.Code != 420
}
