package cmn

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Error taxonomy", func() {
	It("reports the wrapped cause via Error() and Unwrap()", func() {
		cause := errors.New("network reset")
		e := NewError(ErrRemoteIO, "put %s", "L1").Wrap(cause)
		Expect(e.Error()).To(ContainSubstring("RemoteIO"))
		Expect(e.Error()).To(ContainSubstring("network reset"))
		Expect(e.Unwrap()).NotTo(BeNil())
	})

	It("classifies RemoteIO and Timeout as retryable, everything else as not", func() {
		Expect(Retryable(NewError(ErrRemoteIO, "x"))).To(BeTrue())
		Expect(Retryable(NewError(ErrTimeout, "x"))).To(BeTrue())
		Expect(Retryable(NewError(ErrCancelled, "x"))).To(BeFalse())
		Expect(Retryable(NewError(ErrNotFound, "x"))).To(BeFalse())
	})

	It("extracts Kind through KindOf even when wrapped by pkg/errors", func() {
		inner := NewError(ErrNotFound, "missing")
		outer := NewError(ErrOther, "attach failed").Wrap(inner)
		Expect(KindOf(outer)).To(Equal(ErrOther))
		Expect(IsNotFound(inner)).To(BeTrue())
		Expect(IsNotFound(outer.Unwrap())).To(BeTrue())
	})

	It("maps taxonomy kinds to the prescribed HTTP status codes", func() {
		Expect(HTTPStatus(NewError(ErrNotFound, "x"))).To(Equal(404))
		Expect(HTTPStatus(NewError(ErrConflict, "x"))).To(Equal(409))
		Expect(HTTPStatus(NewError(ErrStaleGeneration, "x"))).To(Equal(409))
		Expect(HTTPStatus(NewError(ErrUnavailable, "x"))).To(Equal(503))
		Expect(HTTPStatus(nil)).To(Equal(500))
	})

	It("treats a nil Wrap cause as a no-op", func() {
		e := NewError(ErrOther, "x").Wrap(nil)
		Expect(e.Unwrap()).To(BeNil())
	})
})
