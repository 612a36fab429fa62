package notification

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/nao1215/sitealert/pkg/event"
)

var registerOnce sync.Once

// registerValidators はリクエストの検証に使う独自ルールをginの検証エンジンへ登録する。
//   - event_type: 既知のイベント種別
//   - priority: 定義済みの優先度
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return event.Known(event.Type(fl.Field().String()))
		})
		_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
			return event.Priority(fl.Field().String()).Valid()
		})
	})
}
