package operation

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var ErrInvalid = errors.New("INVALID_OPERATION")

// Validate 只检查操作自身的形状，不看文档内容；路径能否解析在 apply 时判断
func (o Operation) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.ID, validation.Required),
		validation.Field(&o.UserID, validation.Required),
		validation.Field(&o.Timestamp, validation.Min(int64(0))),
		validation.Field(&o.Payload, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validatePayload(o.Payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, o.Payload.Type(), err)
	}
	return nil
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case TextInsert:
		return validation.ValidateStruct(&v,
			validation.Field(&v.Position, validation.Min(0)),
			validation.Field(&v.Text, validation.Required),
		)
	case TextDelete:
		return validation.ValidateStruct(&v,
			validation.Field(&v.Position, validation.Min(0)),
			validation.Field(&v.Length, validation.Required, validation.Min(1)),
		)
	case TextReplace:
		return validation.ValidateStruct(&v,
			validation.Field(&v.Position, validation.Min(0)),
			validation.Field(&v.Length, validation.Min(0)),
		)
	case ObjectSet:
		return validation.ValidateStruct(&v, validation.Field(&v.Key, validation.Required))
	case ObjectDelete:
		return validation.ValidateStruct(&v, validation.Field(&v.Key, validation.Required))
	case ArrayInsert:
		return validation.ValidateStruct(&v,
			validation.Field(&v.Index, validation.Min(0)),
			validation.Field(&v.Items, validation.Required),
		)
	case ArrayDelete:
		return validation.ValidateStruct(&v,
			validation.Field(&v.Index, validation.Min(0)),
			validation.Field(&v.Count, validation.Required, validation.Min(1)),
		)
	case ArrayMove:
		return validation.ValidateStruct(&v,
			validation.Field(&v.From, validation.Min(0)),
			validation.Field(&v.To, validation.Min(0)),
		)
	case ArrayReplace:
		return validation.ValidateStruct(&v, validation.Field(&v.Index, validation.Min(0)))
	case Composite:
		// 子操作没有独立头部，跳过 Operation.Validate，只校验载荷
		if err := validation.ValidateStruct(&v, validation.Field(&v.Ops, validation.Required, validation.Skip)); err != nil {
			return err
		}
		for i, sub := range v.Ops {
			if sub.Payload == nil {
				return fmt.Errorf("ops[%d]: missing payload", i)
			}
			if err := validatePayload(sub.Payload); err != nil {
				return fmt.Errorf("ops[%d]: %w", i, err)
			}
		}
		return nil
	case Noop:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
}
