package model_test

import (
	"fmt"

	"guardian/storage"
	"guardian/storage/model"

	"github.com/go-faker/faker/v4"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type otherRecord struct{}

func (otherRecord) Key() []byte { return []byte("other") }

var _ = Describe("Codec", func() {
	var user *model.User

	BeforeEach(func() {
		user = &model.User{}
		Expect(faker.FakeData(user)).To(Succeed())
		user.Profile = &model.Profile{Age: 30, Job: "engineer", Interests: []string{"storage", "go"}}
	})

	for _, compress := range []bool{false, true} {
		compress := compress

		It(fmt.Sprintf("should round-trip users (compress=%v)", compress), func() {
			subject := model.NewCodec(compress)

			payload, err := subject.Encode(user)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := subject.Decode(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(user))
		})
	}

	It("should keep a missing profile absent", func() {
		user.Profile = nil
		subject := model.NewCodec(false)

		payload, err := subject.Encode(user)
		Expect(err).NotTo(HaveOccurred())

		decoded, err := subject.Decode(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.(*model.User).Profile).To(BeNil())
	})

	It("should read payloads written with the other compression setting", func() {
		payload, err := model.NewCodec(true).Encode(user)
		Expect(err).NotTo(HaveOccurred())

		decoded, err := model.NewCodec(false).Decode(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(user))
	})

	It("should reject foreign records", func() {
		_, err := model.NewCodec(false).Encode(otherRecord{})
		Expect(storage.KindOf(err)).To(Equal(storage.KindSerialize))
	})

	It("should reject malformed payloads", func() {
		subject := model.NewCodec(false)

		_, err := subject.Decode(nil)
		Expect(storage.KindOf(err)).To(Equal(storage.KindFormat))

		_, err = subject.Decode([]byte{0x80, 0x01})
		Expect(storage.KindOf(err)).To(Equal(storage.KindFormat))

		_, err = subject.Decode([]byte{0x01, 0xff, 0xff, 0xff})
		Expect(storage.KindOf(err)).To(Equal(storage.KindSerialize))
	})

	It("should encode keys as little-endian ids", func() {
		Expect(user.Key()).To(Equal(model.Key(user.ID)))

		id, ok := model.ID(model.Key(42))
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(uint64(42)))

		_, ok = model.ID([]byte("short"))
		Expect(ok).To(BeFalse())
	})
})
