package user

import (
	"context"
	"regexp"
	"slices"
	"time"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/sirupsen/logrus"
)

// imageMarker matches {IMG:prompt}; the prompt cannot contain braces.
var imageMarker = regexp.MustCompile(`\{IMG:([^}]*)\}`)

// ImageChatTitle names the built-in image chat persona.
const ImageChatTitle = "[Image Chat]"

const imageChatPrefix = "You can call an external painting AI to generate pictures (I will be responsible for the docking between you). " +
	"When you want to generate a picture, please insert the following format: {IMG:prompt}. " +
	"The prompt is the input to painting AI, and the content is a series of phrases to describe the content of what you want to paint, " +
	"and each phrase is separated by ','"

// ImageChatConversation returns a fresh copy of the persona that asks the
// model to emit {IMG:...} markers.
func ImageChatConversation() *models.Conversation {
	return &models.Conversation{
		Title:  ImageChatTitle,
		Prefix: imageChatPrefix,
		Params: models.Params{Temperature: 0.7, TopP: 1},
		Data: []models.Turn{
			{Question: "我想看可爱的小兔子", Answer: "这是你要的小兔子！\n{IMG:cute bunny}"},
			{Question: "我想看到的是在草地上的小兔子", Answer: "已为您改好啦！\n{IMG:cute bunny,grassland}"},
			{Question: "我要看三张不同种类的恐龙的照片", Answer: "好的，请您欣赏！\n{IMG:Tyrannosaurus,forest}\n{IMG:Triceratops,mountain}\n{IMG:Stegosaurus,desert}"},
		},
	}
}

func (s *Session) imagesEnabled(size int) bool {
	return size > 0 && s.deps.Images != nil
}

// convertImages replaces every {IMG:prompt} marker, first to last, with a
// generated image. Markers past maxImages get the limit message instead.
func (s *Session) convertImages(ctx context.Context, text string, maxImages int) string {
	count := 0
	return imageMarker.ReplaceAllStringFunc(text, func(match string) string {
		count++
		if count > maxImages {
			return s.t(i18n.MsgImageLimit, nil)
		}
		prompt := imageMarker.FindStringSubmatch(match)[1]
		img, err := s.GenerateImage(ctx, prompt)
		if err != nil {
			return s.t(i18n.MsgImageFailed, nil)
		}
		return s.deps.RenderImage(img.URL)
	})
}

// GenerateImage draws prompt at the configured size and records it in the
// image history.
func (s *Session) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	size := s.deps.Settings.Snapshot().ImageSize
	if !s.imagesEnabled(size) {
		return nil, ErrImagesDisabled
	}

	img, err := s.deps.Images.GenerateImage(ctx, &ai.ImageRequest{
		Prompt: prompt,
		Size:   size,
		User:   s.opaqueID,
	})
	if err != nil {
		s.log.WithError(err).WithField("prompt", prompt).Error("Image generation failed")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(slices.Clone(s.images), models.ImageRecord{
		Prompt:    prompt,
		URL:       img.URL,
		Cost:      img.Cost,
		CreatedAt: time.Now(),
	})
	if err := s.doc.Set(ctx, keyImages, next); err != nil {
		s.log.WithError(err).Error("Failed to persist image history")
	} else {
		s.images = next
	}

	s.log.WithFields(logrus.Fields{
		"prompt": prompt,
		"cost":   img.Cost,
	}).Info("Image generated")
	return img, nil
}

// Images returns the image history and its total cost.
func (s *Session) Images() ([]models.ImageRecord, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0.0
	for _, img := range s.images {
		total += img.Cost
	}
	return slices.Clone(s.images), total
}

// Render formats an image URL for the transport.
func (s *Session) Render(url string) string {
	return s.deps.RenderImage(url)
}
