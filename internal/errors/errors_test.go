package errors_test

import (
	stderrors "errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	derrors "github.com/cleanco/dispatchcore/internal/errors"
)

var _ = Describe("Domain errors", func() {
	Describe("constructors", func() {
		It("tags NotFound with the right kind and message", func() {
			err := derrors.NotFound("job %d not found", 42)
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindNotFound))
			Expect(err.Error()).To(ContainSubstring("job 42 not found"))
		})

		It("tags InvalidTransition with both states in the message", func() {
			err := derrors.InvalidTransition("ASSIGNED", "COMPLETED")
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindInvalidTransition))
			Expect(err.Error()).To(ContainSubstring("ASSIGNED"))
			Expect(err.Error()).To(ContainSubstring("COMPLETED"))
		})

		It("tags ConcurrentModification", func() {
			err := derrors.ConcurrentModification("job %d was modified", 7)
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindConcurrentModification))
		})

		It("tags BadRequest", func() {
			err := derrors.BadRequest("worker %d is not available", 3)
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindBadRequest))
		})

		It("tags Forbidden", func() {
			err := derrors.Forbidden("actor %d is not assigned", 9)
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindForbidden))
		})

		It("tags RateLimited", func() {
			err := derrors.RateLimited("too many requests")
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindRateLimited))
		})

		It("tags Unavailable and preserves the wrapped cause", func() {
			cause := stderrors.New("connection refused")
			err := derrors.Unavailable(cause, "cache unreachable")
			Expect(derrors.KindOf(err)).To(Equal(derrors.KindUnavailable))
			Expect(stderrors.Unwrap(err)).To(Equal(cause))
		})
	})

	Describe("KindOf and Is", func() {
		It("returns empty Kind for a plain error", func() {
			Expect(derrors.KindOf(stderrors.New("plain"))).To(Equal(derrors.Kind("")))
		})

		It("Is reports true only for a matching kind", func() {
			err := derrors.NotFound("missing")
			Expect(derrors.Is(err, derrors.KindNotFound)).To(BeTrue())
			Expect(derrors.Is(err, derrors.KindForbidden)).To(BeFalse())
		})

		It("KindOf sees through Wrap", func() {
			err := derrors.NotFound("missing")
			wrapped := derrors.Wrap(err, "loading job")
			Expect(derrors.KindOf(wrapped)).To(Equal(derrors.KindNotFound))
		})

		It("Wrap returns nil for a nil error", func() {
			Expect(derrors.Wrap(nil, "anything")).To(BeNil())
		})
	})
})
